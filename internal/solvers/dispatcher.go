// Package solvers broadcasts auctions to the registered solver drivers
// and talks the solve/reveal/settle protocol with the winner. Drivers are
// untrusted: anything they return is validated by the competition engine
// before it can move money.
package solvers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cowpilot/internal/domain"
)

// ErrorKind enumerates the driver protocol failure kinds.
type ErrorKind string

const (
	KindQuotingFailed        ErrorKind = "QuotingFailed"
	KindSolverFailed         ErrorKind = "SolverFailed"
	KindSolutionNotAvailable ErrorKind = "SolutionNotAvailable"
	KindDeadlineExceeded     ErrorKind = "DeadlineExceeded"
	KindInvalidAuctionId     ErrorKind = "InvalidAuctionId"
	KindInvalidTokens        ErrorKind = "InvalidTokens"
	KindInvalidAmounts       ErrorKind = "InvalidAmounts"
	KindFailedToSubmit       ErrorKind = "FailedToSubmit"
)

// DriverError is a structured 4xx answer from a driver.
type DriverError struct {
	Kind        ErrorKind
	Description string
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver error %s: %s", e.Kind, e.Description)
}

// Driver is one registered solver endpoint.
type Driver struct {
	Name              string
	URL               string
	SubmissionAccount common.Address

	http *resty.Client
}

// NewDriver builds a driver handle.
func NewDriver(name, url string, submissionAccount common.Address) *Driver {
	return &Driver{
		Name:              name,
		URL:               url,
		SubmissionAccount: submissionAccount,
		http: resty.New().
			SetBaseURL(url).
			SetHeader("Content-Type", "application/json"),
	}
}

// Dispatcher fans auctions out to all drivers in parallel.
type Dispatcher struct {
	drivers []*Driver
}

func NewDispatcher(drivers []*Driver) *Dispatcher {
	return &Dispatcher{drivers: drivers}
}

func (d *Dispatcher) Drivers() []*Driver {
	return d.drivers
}

// Driver resolves a driver by name.
func (d *Dispatcher) Driver(name string) (*Driver, bool) {
	for _, driver := range d.drivers {
		if driver.Name == name {
			return driver, true
		}
	}
	return nil, false
}

// Solve broadcasts the auction to every driver with the auction deadline
// as a hard timeout and pools all returned solutions. A failing driver
// contributes nothing but never aborts the round.
func (d *Dispatcher) Solve(ctx context.Context, auction *domain.Auction) []domain.Solution {
	request := auctionToWire(auction)

	ctx, cancel := context.WithDeadline(ctx, auction.Deadline)
	defer cancel()

	var mu sync.Mutex
	var pooled []domain.Solution
	var wg sync.WaitGroup
	for _, driver := range d.drivers {
		wg.Add(1)
		go func(driver *Driver) {
			defer wg.Done()
			solutions, err := driver.solve(ctx, &request, auction.Id)
			if err != nil {
				log.Warn().
					Err(err).
					Int64("auction_id", int64(auction.Id)).
					Str("solver", driver.Name).
					Msg("driver contributed no solutions")
				return
			}
			mu.Lock()
			pooled = append(pooled, solutions...)
			mu.Unlock()
		}(driver)
	}
	wg.Wait()

	// Deterministic pool order regardless of driver latency.
	sort.SliceStable(pooled, func(i, j int) bool {
		if pooled[i].Solver != pooled[j].Solver {
			return pooled[i].Solver < pooled[j].Solver
		}
		return pooled[i].Id < pooled[j].Id
	})
	log.Info().
		Int64("auction_id", int64(auction.Id)).
		Int("solutions", len(pooled)).
		Msg("solver round complete")
	return pooled
}

func (driver *Driver) solve(ctx context.Context, request *solveRequest, auctionID domain.AuctionId) ([]domain.Solution, error) {
	var response solveResponse
	var apiErr errorResponse
	resp, err := driver.http.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&response).
		SetError(&apiErr).
		Post("/solve")
	if err != nil {
		return nil, fmt.Errorf("solve request: %w", err)
	}
	if err := driverStatusError(resp, &apiErr); err != nil {
		return nil, err
	}

	solutions := make([]domain.Solution, 0, len(response.Solutions))
	for i := range response.Solutions {
		solution, err := wireToSolution(&response.Solutions[i], auctionID, driver.Name)
		if err != nil {
			log.Warn().
				Err(err).
				Int64("auction_id", int64(auctionID)).
				Str("solver", driver.Name).
				Msg("dropping malformed solution")
			continue
		}
		if solution.Account == (common.Address{}) {
			solution.Account = driver.SubmissionAccount
		}
		solutions = append(solutions, *solution)
	}
	return solutions, nil
}

// Reveal asks the winning driver for the settlement calldata of a
// solution without committing to settle it.
func (driver *Driver) Reveal(ctx context.Context, auctionID domain.AuctionId, solutionID domain.SolutionId) ([]byte, error) {
	var response revealResponse
	var apiErr errorResponse
	resp, err := driver.http.R().
		SetContext(ctx).
		SetBody(revealRequest{SolutionId: uint64(solutionID), AuctionId: int64(auctionID)}).
		SetResult(&response).
		SetError(&apiErr).
		Post("/reveal")
	if err != nil {
		return nil, fmt.Errorf("reveal request: %w", err)
	}
	if err := driverStatusError(resp, &apiErr); err != nil {
		return nil, err
	}
	return common.FromHex(response.Calldata), nil
}

// SettleResult is the driver's answer to /settle: either signed calldata
// for us to broadcast, or a transaction hash when the driver broadcast
// itself.
type SettleResult struct {
	Calldata []byte
	TxHash   *common.Hash
}

// Settle asks the winning driver to produce (or submit) the settlement.
func (driver *Driver) Settle(ctx context.Context, auctionID domain.AuctionId, solutionID domain.SolutionId) (*SettleResult, error) {
	var response settleResponse
	var apiErr errorResponse
	resp, err := driver.http.R().
		SetContext(ctx).
		SetBody(settleRequest{SolutionId: uint64(solutionID), AuctionId: int64(auctionID)}).
		SetResult(&response).
		SetError(&apiErr).
		Post("/settle")
	if err != nil {
		return nil, fmt.Errorf("settle request: %w", err)
	}
	if err := driverStatusError(resp, &apiErr); err != nil {
		return nil, err
	}

	result := &SettleResult{}
	if response.TxHash != "" {
		hash := common.HexToHash(response.TxHash)
		result.TxHash = &hash
	}
	if response.Calldata != "" {
		result.Calldata = common.FromHex(response.Calldata)
	}
	if result.TxHash == nil && len(result.Calldata) == 0 {
		return nil, errors.New("settle response carries neither calldata nor tx hash")
	}
	return result, nil
}

func driverStatusError(resp *resty.Response, apiErr *errorResponse) error {
	switch {
	case resp.StatusCode() == http.StatusOK:
		return nil
	case resp.StatusCode() >= 400 && resp.StatusCode() < 500 && apiErr.Kind != "":
		return &DriverError{Kind: ErrorKind(apiErr.Kind), Description: apiErr.Description}
	default:
		return fmt.Errorf("driver answered status %d: %s", resp.StatusCode(), resp.String())
	}
}

// WithTimeout derives the per-call deadline from an auction deadline
// minus a safety margin for our own post-processing.
func WithTimeout(ctx context.Context, deadline time.Time, margin time.Duration) (context.Context, context.CancelFunc) {
	return context.WithDeadline(ctx, deadline.Add(-margin))
}
