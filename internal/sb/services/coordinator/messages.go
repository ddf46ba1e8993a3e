package coordinator

import (
	"time"

	"github.com/haukened/sbguard/internal/sb/domain"
)

// CheckID identifies a pending check. Callers never see pending state, only verdicts.
type CheckID uint64

type checkState uint8

const (
	stateAwaitingDBLookup checkState = iota
	stateAwaitingFullHash
)

func (s checkState) String() string {
	switch s {
	case stateAwaitingDBLookup:
		return "awaiting_db_lookup"
	case stateAwaitingFullHash:
		return "awaiting_full_hash"
	default:
		return "unknown"
	}
}

// pendingCheck is owned by the coordinator goroutine and stored by value.
type pendingCheck struct {
	id         CheckID
	url        string
	client     Client // nil once the client cancelled
	hashes     []domain.Hash256
	prefixHits []domain.Prefix
	fullHits   []domain.FullHash
	state      checkState
	createdAt  time.Time
}

// fullHashRequest describes one in-flight FetchFullHash call. A coalesced request
// serves the wait queue of its single prefix; otherwise it serves one check.
type fullHashRequest struct {
	prefixes  []domain.Prefix
	coalesced bool
	checkID   CheckID
}

// Messages handled on the coordinator goroutine.
type (
	startCheckMsg struct {
		check pendingCheck
	}
	cancelMsg struct {
		client Client
	}
	dbLookupDoneMsg struct {
		id     CheckID
		result domain.LookupResult
		err    error
	}
	fullHashDoneMsg struct {
		req       fullHashRequest
		hashes    []domain.FullHash
		cacheable bool
		err       error
	}
	whitelistQueryMsg struct {
		entry domain.WhitelistEntry
		reply chan bool
	}
	whitelistAddMsg struct {
		entry domain.WhitelistEntry
	}
	forgetViewMsg struct {
		viewID string
	}
	statsMsg struct {
		reply chan Stats
	}
	stopMsg struct {
		reply chan int
	}
)

// Requests handled on the store goroutine.
type (
	initStoreReq struct {
		reply chan error
	}
	lookupReq struct {
		id  CheckID
		url string
	}
	cacheReq struct {
		prefixes []domain.Prefix
		hashes   []domain.FullHash
	}
	rangesReq struct {
		reply chan rangesResult
	}
	applyReq struct {
		batch domain.UpdateBatch
		reply chan error
	}
	resetReq struct {
		reply chan error
	}
	deferCompactionReq struct {
		delay time.Duration
	}
	closeStoreReq struct {
		reply chan error
	}
)

type rangesResult struct {
	lists []domain.ListDescriptor
	err   error
}

// delivery is a verdict travelling to the caller context.
type delivery struct {
	client  Client
	url     string
	verdict domain.Verdict
}
