package gateway

import (
	"context"
	"fmt"

	"github.com/nmxmxh/inhalteselektor/pkg/json"
)

// KnowledgeStore sends SPARQL queries to the semantic wiki connector.
type KnowledgeStore struct {
	caller  *caller
	address string
}

type sparqlRequest struct {
	SPARQL struct {
		Query string `json:"query"`
	} `json:"sparql"`
}

func NewKnowledgeStore(r Requester, cfg Config, opts ...Option) *KnowledgeStore {
	cfg = cfg.withDefaults()
	return &KnowledgeStore{
		caller:  newCaller(r, cfg.RequestTimeout, newSettings(opts)),
		address: cfg.KnowledgeStoreAddress(),
	}
}

// Query returns the raw result envelope for query.
func (k *KnowledgeStore) Query(ctx context.Context, query string) ([]byte, error) {
	var req sparqlRequest
	req.SPARQL.Query = query
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode sparql request: %w", err)
	}
	return k.caller.request(ctx, k.address, body)
}

// Address is the bus address queries are sent to.
func (k *KnowledgeStore) Address() string { return k.address }
