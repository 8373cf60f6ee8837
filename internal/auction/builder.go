// Package auction builds the immutable order snapshots offered to
// solvers: solvable orders filtered by reputation, balances, native
// price availability and in-flight status, with fee policies attached.
package auction

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cowpilot/internal/badtokens"
	"github.com/web3guy0/cowpilot/internal/balances"
	"github.com/web3guy0/cowpilot/internal/contracts"
	"github.com/web3guy0/cowpilot/internal/domain"
	"github.com/web3guy0/cowpilot/internal/eth"
	"github.com/web3guy0/cowpilot/internal/fees"
	"github.com/web3guy0/cowpilot/internal/inflight"
	"github.com/web3guy0/cowpilot/internal/prices"
	"github.com/web3guy0/cowpilot/internal/store"
)

// ErrEmpty is returned when no order survives filtering; the round is
// skipped.
var ErrEmpty = errors.New("no solvable orders")

// Builder assembles auctions on the run loop's cadence.
type Builder struct {
	store     *store.Database
	contracts *contracts.Settlement
	oracle    *prices.Oracle
	balances  *balances.Cache
	detector  *badtokens.Detector
	inflight  *inflight.Tracker
	fees      fees.Config

	solverDeadline time.Duration

	// configuredJitOwners seeds the surplus-capturing set; factory
	// deployments from the store extend it, never shrink it.
	configuredJitOwners []common.Address
}

func NewBuilder(
	db *store.Database,
	settlement *contracts.Settlement,
	oracle *prices.Oracle,
	balanceCache *balances.Cache,
	detector *badtokens.Detector,
	tracker *inflight.Tracker,
	feeConfig fees.Config,
	solverDeadline time.Duration,
	jitOwners []common.Address,
) *Builder {
	return &Builder{
		store:               db,
		contracts:           settlement,
		oracle:              oracle,
		balances:            balanceCache,
		detector:            detector,
		inflight:            tracker,
		fees:                feeConfig,
		solverDeadline:      solverDeadline,
		configuredJitOwners: jitOwners,
	}
}

// SettlementAddress is the destination of settlement transactions.
func (b *Builder) SettlementAddress() common.Address {
	return b.contracts.Address()
}

// Build assembles and persists the next auction for the given block.
// Orders that fail a filter are skipped silently for this round and
// retried on the next one.
func (b *Builder) Build(ctx context.Context, block eth.Block, lastIndexedBlock uint64) (*domain.Auction, error) {
	orders, err := b.store.SolvableOrders(uint32(block.Timestamp))
	if err != nil {
		return nil, err
	}

	orders = b.filterSignatures(orders)
	orders = b.filterReputation(orders)
	orders = b.filterBalances(ctx, orders, block.Number)

	orders, auctionPrices := b.filterPrices(ctx, orders)

	for i := range orders {
		orders[i].FeePolicies = fees.PoliciesFor(&orders[i], b.fees)
	}

	orders = b.inflight.Filter(orders, lastIndexedBlock)
	if len(orders) == 0 {
		return nil, ErrEmpty
	}

	auction := &domain.Auction{
		Block:                     block.Number,
		Deadline:                  time.Now().Add(b.solverDeadline),
		Orders:                    orders,
		Prices:                    auctionPrices,
		SurplusCapturingJitOwners: b.jitOwners(),
	}
	if _, err := b.store.SaveAuction(auction); err != nil {
		return nil, err
	}
	log.Info().
		Int64("auction_id", int64(auction.Id)).
		Uint64("block", block.Number).
		Int("orders", len(orders)).
		Time("deadline", auction.Deadline).
		Msg("auction built")
	return auction, nil
}

func (b *Builder) filterSignatures(orders []domain.Order) []domain.Order {
	kept := orders[:0]
	for _, order := range orders {
		if order.SigningScheme == domain.SchemePreSign {
			kept = append(kept, order)
			continue
		}
		if err := b.contracts.VerifySignature(&order); err != nil {
			log.Warn().Err(err).Str("order_uid", order.Uid.String()).Msg("dropping order with invalid signature")
			continue
		}
		kept = append(kept, order)
	}
	return kept
}

func (b *Builder) filterReputation(orders []domain.Order) []domain.Order {
	kept := orders[:0]
	for _, order := range orders {
		if !b.detector.Supported(&order) {
			continue
		}
		kept = append(kept, order)
	}
	return kept
}

func (b *Builder) filterBalances(ctx context.Context, orders []domain.Order, block uint64) []domain.Order {
	spendable := b.balances.GetOrFetch(ctx, orders, block)
	kept := orders[:0]
	for _, order := range orders {
		key := balances.Key{Trader: order.Owner, Token: order.SellToken, Source: order.SellTokenSource}
		amount, ok := spendable[key]
		if ok && amount.Sign() == 0 {
			// Positively known unfunded; unknown groups stay in, the
			// solvers' simulations weed them out.
			continue
		}
		kept = append(kept, order)
	}
	return kept
}

// filterPrices drops orders whose sell or buy token has no current
// native price and returns the price map for the survivors.
func (b *Builder) filterPrices(ctx context.Context, orders []domain.Order) ([]domain.Order, domain.Prices) {
	auctionPrices := make(domain.Prices)
	kept := orders[:0]
	for _, order := range orders {
		solvable := true
		for _, token := range []common.Address{order.SellToken, order.BuyToken} {
			if _, ok := auctionPrices[token]; ok {
				continue
			}
			price, err := b.oracle.Estimate(ctx, token)
			if err != nil {
				log.Debug().
					Err(err).
					Str("order_uid", order.Uid.String()).
					Str("token", token.Hex()).
					Msg("native price unavailable, order skipped this round")
				solvable = false
				break
			}
			auctionPrices[token] = price
		}
		if solvable {
			kept = append(kept, order)
		}
	}
	return kept, auctionPrices
}

// jitOwners merges the configured surplus-capturing owners with every
// factory-deployed AMM observed so far. The set is append-only.
func (b *Builder) jitOwners() []common.Address {
	set := make(map[common.Address]struct{}, len(b.configuredJitOwners))
	for _, owner := range b.configuredJitOwners {
		set[owner] = struct{}{}
	}
	observed, err := b.store.CowAmmOwners()
	if err != nil {
		log.Warn().Err(err).Msg("loading cow amm owners")
	}
	for _, hex := range observed {
		set[common.HexToAddress(hex)] = struct{}{}
	}
	owners := make([]common.Address, 0, len(set))
	for owner := range set {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool {
		return owners[i].Cmp(owners[j]) < 0
	})
	return owners
}
