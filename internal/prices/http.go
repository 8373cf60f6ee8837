package prices

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
)

// HTTPEstimator queries an external price estimation service:
// GET {base}/price/{token} returning {"price": "<wei, decimal string>"}.
// Definite failures come back as 4xx with a JSON kind.
type HTTPEstimator struct {
	name string
	http *resty.Client
}

type priceResponse struct {
	Price string `json:"price"`
}

type errorResponse struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// NewHTTPEstimator builds an estimator against the given base URL.
func NewHTTPEstimator(name, baseURL string, timeout time.Duration) *HTTPEstimator {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")
	return &HTTPEstimator{name: name, http: client}
}

func (e *HTTPEstimator) Name() string {
	return e.name
}

func (e *HTTPEstimator) Estimate(ctx context.Context, token common.Address) (*big.Int, error) {
	var result priceResponse
	var apiErr errorResponse
	resp, err := e.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&apiErr).
		Get("/price/" + token.Hex())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNoLiquidity
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		if apiErr.Kind == "UnsupportedToken" {
			return nil, ErrUnsupportedToken
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrInternal, resp.StatusCode(), apiErr.Description)
	}

	price, ok := new(big.Int).SetString(result.Price, 10)
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: malformed price %q", ErrInternal, result.Price)
	}
	return price, nil
}
