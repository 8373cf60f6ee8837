// Package appdata resolves the 32-byte app-data commitments signed with
// orders into their JSON pre-images: database first, IPFS gateway
// second. A missing pre-image is not an error; the order simply carries
// no protocol-level hints.
package appdata

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cowpilot/internal/store"
)

// Resolver looks pre-images up without ever blocking the pipeline.
type Resolver struct {
	store *store.Database
	http  *resty.Client
}

// NewResolver builds a resolver against an IPFS gateway base URL
// (e.g. https://ipfs.io).
func NewResolver(db *store.Database, gatewayURL string, timeout time.Duration) *Resolver {
	return &Resolver{
		store: db,
		http: resty.New().
			SetBaseURL(gatewayURL).
			SetTimeout(timeout),
	}
}

// cid renders the commitment as a CIDv1 with a raw keccak-256 multihash,
// the addressing scheme the documents are pinned under.
func cid(hash common.Hash) string {
	return "f01701b20" + hex.EncodeToString(hash[:])
}

// Resolve returns the document for the commitment, or (nil, nil) when no
// pre-image can be found anywhere.
func (r *Resolver) Resolve(ctx context.Context, hash common.Hash) ([]byte, error) {
	if hash == (common.Hash{}) {
		return nil, nil
	}

	document, err := r.store.AppDataDocument(hash)
	if err == nil {
		return document, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	resp, err := r.http.R().SetContext(ctx).Get("/ipfs/" + cid(hash))
	if err != nil {
		log.Debug().Err(err).Str("app_data", hash.Hex()).Msg("ipfs fetch failed")
		return nil, nil
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		log.Debug().Int("status", resp.StatusCode()).Str("app_data", hash.Hex()).Msg("ipfs gateway error")
		return nil, nil
	}

	document = resp.Body()
	if got := crypto.Keccak256Hash(document); got != hash {
		return nil, fmt.Errorf("app data document hashes to %s, expected %s", got.Hex(), hash.Hex())
	}
	if err := r.store.SaveAppData(hash, document); err != nil {
		log.Warn().Err(err).Str("app_data", hash.Hex()).Msg("caching app data failed")
	}
	return document, nil
}
