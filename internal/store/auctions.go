package store

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"github.com/web3guy0/cowpilot/internal/domain"
)

// SaveAuction persists the auction snapshot and its per-order fee policy
// rows, assigning the next auction id. Ids come from the primary key
// sequence inside a single transaction, so they are strictly increasing
// even across leader handoff.
func (d *Database) SaveAuction(auction *domain.Auction) (domain.AuctionId, error) {
	uids := make([]string, len(auction.Orders))
	for i := range auction.Orders {
		uids[i] = auction.Orders[i].Uid.String()
	}
	tokens := make([]string, 0, len(auction.Prices))
	values := make([]string, 0, len(auction.Prices))
	for token, price := range auction.Prices {
		tokens = append(tokens, token.Hex())
		values = append(values, price.String())
	}
	owners := make([]string, len(auction.SurplusCapturingJitOwners))
	for i, owner := range auction.SurplusCapturingJitOwners {
		owners[i] = owner.Hex()
	}

	uidsJSON, _ := json.Marshal(uids)
	tokensJSON, _ := json.Marshal(tokens)
	valuesJSON, _ := json.Marshal(values)
	ownersJSON, _ := json.Marshal(owners)

	row := Auction{
		Block:                          auction.Block,
		Deadline:                       auction.Deadline,
		Orders:                         string(uidsJSON),
		PriceTokens:                    string(tokensJSON),
		PriceValues:                    string(valuesJSON),
		SurplusCapturingJitOrderOwners: string(ownersJSON),
	}

	err := d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert auction: %w", err)
		}
		for i := range auction.Orders {
			order := &auction.Orders[i]
			for _, policy := range order.FeePolicies {
				policyRow := FeePolicyRow{
					AuctionId:       row.Id,
					OrderUid:        order.Uid.String(),
					Kind:            string(policy.Kind),
					Factor:          policy.Factor.Decimal(),
					MaxVolumeFactor: policy.MaxVolumeFactor.Decimal(),
				}
				if policy.Quote != nil {
					sell := bigToDecimal(policy.Quote.SellAmount)
					buy := bigToDecimal(policy.Quote.BuyAmount)
					fee := bigToDecimal(policy.Quote.Fee)
					policyRow.QuoteSellAmount = &sell
					policyRow.QuoteBuyAmount = &buy
					policyRow.QuoteFee = &fee
				}
				if err := tx.Create(&policyRow).Error; err != nil {
					return fmt.Errorf("insert fee policy: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	auction.Id = domain.AuctionId(row.Id)
	return auction.Id, nil
}

// AuctionFeePolicies loads the fee policies recorded for one order in one
// auction, in declaration order.
func (d *Database) AuctionFeePolicies(auctionID domain.AuctionId, uid domain.OrderUid) ([]domain.FeePolicy, error) {
	var rows []FeePolicyRow
	err := d.db.
		Where("auction_id = ? AND order_uid = ?", int64(auctionID), uid.String()).
		Order("id").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	policies := make([]domain.FeePolicy, 0, len(rows))
	for _, row := range rows {
		factor, err := domain.NewFeeFactor(row.Factor.InexactFloat64())
		if err != nil {
			return nil, fmt.Errorf("stored fee factor: %w", err)
		}
		maxVolume, err := domain.NewFeeFactor(row.MaxVolumeFactor.InexactFloat64())
		if err != nil {
			return nil, fmt.Errorf("stored max volume factor: %w", err)
		}
		policy := domain.FeePolicy{
			Kind:            domain.FeePolicyKind(row.Kind),
			Factor:          factor,
			MaxVolumeFactor: maxVolume,
		}
		if row.QuoteSellAmount != nil && row.QuoteBuyAmount != nil {
			policy.Quote = &domain.Quote{
				SellAmount: decimalToBig(*row.QuoteSellAmount),
				BuyAmount:  decimalToBig(*row.QuoteBuyAmount),
			}
			if row.QuoteFee != nil {
				policy.Quote.Fee = decimalToBig(*row.QuoteFee)
			}
		}
		policies = append(policies, policy)
	}
	return policies, nil
}

// AuctionPrices reloads the native price snapshot of a persisted auction.
func (d *Database) AuctionPrices(auctionID domain.AuctionId) (domain.Prices, error) {
	var row Auction
	if err := d.db.First(&row, "id = ?", int64(auctionID)).Error; err != nil {
		return nil, err
	}
	var tokens, values []string
	if err := json.Unmarshal([]byte(row.PriceTokens), &tokens); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.PriceValues), &values); err != nil {
		return nil, err
	}
	if len(tokens) != len(values) {
		return nil, fmt.Errorf("auction %d has %d price tokens but %d values", auctionID, len(tokens), len(values))
	}
	prices := make(domain.Prices, len(tokens))
	for i := range tokens {
		price, ok := newBigFromString(values[i])
		if !ok {
			return nil, fmt.Errorf("auction %d has malformed price %q", auctionID, values[i])
		}
		prices[common.HexToAddress(tokens[i])] = price
	}
	return prices, nil
}
