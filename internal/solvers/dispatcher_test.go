package solvers

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/web3guy0/cowpilot/internal/domain"
)

func uidN(n byte) domain.OrderUid {
	var uid domain.OrderUid
	uid[0] = n
	return uid
}

func testAuction() *domain.Auction {
	return &domain.Auction{
		Id:       42,
		Block:    100,
		Deadline: time.Now().Add(5 * time.Second),
		Orders: []domain.Order{{
			Uid:        uidN(1),
			SellToken:  common.HexToAddress("0x02"),
			BuyToken:   common.HexToAddress("0x03"),
			SellAmount: big.NewInt(100),
			BuyAmount:  big.NewInt(200),
			Side:       domain.SideSell,
		}},
		Prices: domain.Prices{common.HexToAddress("0x02"): big.NewInt(1)},
	}
}

func solverResponse() map[string]any {
	return map[string]any{
		"solutions": []map[string]any{{
			"solutionId":        1,
			"score":             map[string]string{common.HexToAddress("0x03").Hex(): "10"},
			"submissionAddress": common.HexToAddress("0x0a").Hex(),
			"orders": map[string]any{
				uidN(1).String(): map[string]string{
					"side":               "sell",
					"executedSellAmount": "100",
					"executedBuyAmount":  "250",
				},
			},
			"clearingPrices": map[string]string{
				common.HexToAddress("0x02").Hex(): "5",
				common.HexToAddress("0x03").Hex(): "2",
			},
		}},
	}
}

func TestSolvePoolsSolutions(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/solve" {
			t.Errorf("path = %s, want /solve", r.URL.Path)
		}
		var request solveRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if request.AuctionId != 42 || len(request.Orders) != 1 {
			t.Errorf("request = %+v, want auction 42 with one order", request)
		}
		_ = json.NewEncoder(w).Encode(solverResponse())
	}))
	defer server.Close()

	dispatcher := NewDispatcher([]*Driver{NewDriver("alpha", server.URL, common.HexToAddress("0x0b"))})
	solutions := dispatcher.Solve(context.Background(), testAuction())
	if len(solutions) != 1 {
		t.Fatalf("solutions = %d, want 1", len(solutions))
	}
	s := solutions[0]
	if s.Solver != "alpha" || s.Id != 1 {
		t.Errorf("solution identity = %s/%d", s.Solver, s.Id)
	}
	if len(s.Trades) != 1 || s.Trades[0].ExecutedBuy.Int64() != 250 {
		t.Errorf("trades = %+v", s.Trades)
	}
}

func TestSolveFailingDriverContributesNothing(t *testing.T) {
	t.Parallel()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(solverResponse())
	}))
	defer good.Close()

	dispatcher := NewDispatcher([]*Driver{
		NewDriver("bad", bad.URL, common.Address{}),
		NewDriver("good", good.URL, common.Address{}),
	})
	solutions := dispatcher.Solve(context.Background(), testAuction())
	if len(solutions) != 1 || solutions[0].Solver != "good" {
		t.Fatalf("solutions = %+v, want one from good", solutions)
	}
}

func TestDriverErrorKindsAreParsed(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"kind":        "SolutionNotAvailable",
			"description": "already settled",
		})
	}))
	defer server.Close()

	driver := NewDriver("alpha", server.URL, common.Address{})
	_, err := driver.Reveal(context.Background(), 42, 1)
	var driverErr *DriverError
	if !errors.As(err, &driverErr) {
		t.Fatalf("error = %v, want DriverError", err)
	}
	if driverErr.Kind != KindSolutionNotAvailable {
		t.Errorf("kind = %s, want SolutionNotAvailable", driverErr.Kind)
	}
}

func TestSettleReturnsCalldataOrHash(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"calldata": "0xdeadbeef"})
	}))
	defer server.Close()

	driver := NewDriver("alpha", server.URL, common.Address{})
	result, err := driver.Settle(context.Background(), 42, 1)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.TxHash != nil || len(result.Calldata) != 4 {
		t.Errorf("result = %+v, want 4 byte calldata", result)
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer empty.Close()
	driver = NewDriver("alpha", empty.URL, common.Address{})
	if _, err := driver.Settle(context.Background(), 42, 1); err == nil {
		t.Error("expected error for empty settle response")
	}
}

func TestSolveRespectsDeadline(t *testing.T) {
	t.Parallel()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		_ = json.NewEncoder(w).Encode(solverResponse())
	}))
	defer slow.Close()

	auction := testAuction()
	auction.Deadline = time.Now().Add(100 * time.Millisecond)

	dispatcher := NewDispatcher([]*Driver{NewDriver("slow", slow.URL, common.Address{})})
	start := time.Now()
	solutions := dispatcher.Solve(context.Background(), auction)
	if len(solutions) != 0 {
		t.Errorf("solutions = %d, want 0 past deadline", len(solutions))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Solve took %s, deadline not enforced", elapsed)
	}
}
