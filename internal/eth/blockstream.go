package eth

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Block is one canonical-chain head as reported by the stream.
type Block struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Timestamp  uint64
	BaseFee    *big.Int
}

// HeadEvent is delivered to stream subscribers. When RewindTo is set the
// chain reorganized: every block above RewindTo is invalidated and must
// be re-fetched.
type HeadEvent struct {
	Block    Block
	RewindTo *uint64
}

// BlockStream subscribes to newHeads over a websocket RPC endpoint and
// detects reorgs by tracking recent block hashes. It reconnects with
// backoff on connection loss.
type BlockStream struct {
	mu      sync.RWMutex
	url     string
	running bool
	stopCh  chan struct{}

	subscribers []chan HeadEvent

	// recent hashes by height, for reorg detection
	known      map[uint64]common.Hash
	latest     uint64
	keepBlocks uint64
}

// NewBlockStream creates a stream for the given websocket RPC url.
func NewBlockStream(url string) *BlockStream {
	return &BlockStream{
		url:        url,
		stopCh:     make(chan struct{}),
		known:      make(map[uint64]common.Hash),
		keepBlocks: 128,
	}
}

// Subscribe returns a channel of head events. Slow subscribers drop
// events rather than stalling the stream.
func (s *BlockStream) Subscribe() <-chan HeadEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan HeadEvent, 64)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Start begins the subscription loop.
func (s *BlockStream) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.connectLoop()
	log.Info().Str("url", s.url).Msg("block stream started")
}

// Stop tears down the stream.
func (s *BlockStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	log.Info().Msg("block stream stopped")
}

// Latest returns the highest block number seen so far.
func (s *BlockStream) Latest() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

func (s *BlockStream) connectLoop() {
	backoff := time.Second
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.run(); err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("block stream disconnected")
		}

		select {
		case <-s.stopCh:
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// newHeads subscription payloads
type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Id      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type wsHead struct {
	Number        hexutil.Uint64 `json:"number"`
	Hash          common.Hash    `json:"hash"`
	ParentHash    common.Hash    `json:"parentHash"`
	Timestamp     hexutil.Uint64 `json:"timestamp"`
	BaseFeePerGas *hexutil.Big   `json:"baseFeePerGas"`
}

type wsNotification struct {
	Method string `json:"method"`
	Params struct {
		Result json.RawMessage `json:"result"`
	} `json:"params"`
}

func (s *BlockStream) run() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sub := wsRequest{JSONRPC: "2.0", Id: 1, Method: "eth_subscribe", Params: []any{"newHeads"}}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.stopCh:
			conn.Close()
		case <-done:
		}
	}()

	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var note wsNotification
		if err := json.Unmarshal(raw, &note); err != nil || note.Method != "eth_subscription" {
			continue
		}
		var head wsHead
		if err := json.Unmarshal(note.Params.Result, &head); err != nil {
			log.Debug().Err(err).Msg("dropping malformed head notification")
			continue
		}

		block := Block{
			Number:     uint64(head.Number),
			Hash:       head.Hash,
			ParentHash: head.ParentHash,
			Timestamp:  uint64(head.Timestamp),
		}
		if head.BaseFeePerGas != nil {
			block.BaseFee = head.BaseFeePerGas.ToInt()
		}
		s.publish(block)
	}
}

// publish records the head, determines whether it rewinds the chain, and
// fans the event out to subscribers.
func (s *BlockStream) publish(block Block) {
	s.mu.Lock()

	var rewindTo *uint64
	if prev, ok := s.known[block.Number]; ok && prev != block.Hash {
		// Same height, different hash: the chain forked at or before
		// the parent of this block.
		fork := block.Number - 1
		rewindTo = &fork
	} else if parent, ok := s.known[block.Number-1]; ok && parent != block.ParentHash {
		fork := block.Number - 2
		rewindTo = &fork
	}

	s.known[block.Number] = block.Hash
	if block.Number > s.latest {
		s.latest = block.Number
	}
	if rewindTo != nil {
		// Hashes above the fork are stale.
		for n := *rewindTo + 1; n <= s.latest; n++ {
			if n != block.Number {
				delete(s.known, n)
			}
		}
	}
	// Bound memory.
	if s.latest > s.keepBlocks {
		delete(s.known, s.latest-s.keepBlocks)
	}

	subs := make([]chan HeadEvent, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	event := HeadEvent{Block: block, RewindTo: rewindTo}
	if rewindTo != nil {
		log.Warn().Uint64("block", block.Number).Uint64("rewind_to", *rewindTo).Msg("chain reorg detected")
	}
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			log.Debug().Uint64("block", block.Number).Msg("subscriber lagging, head event dropped")
		}
	}
}
