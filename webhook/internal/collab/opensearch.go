package collab

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
)

// OpenSearchConfig configures the analytics sink.
type OpenSearchConfig struct {
	URL           string
	Username      string
	Password      string
	TLSSkipVerify bool
	IndexPrefix   string
}

// OpenSearchAnalytics writes one document per sales event into a monthly
// index named <prefix>-YYYY.MM.
type OpenSearchAnalytics struct {
	client *opensearch.Client
	prefix string
	now    func() time.Time
}

// NewOpenSearchAnalytics creates the analytics sink.
func NewOpenSearchAnalytics(cfg OpenSearchConfig) (*OpenSearchAnalytics, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify},
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	prefix := cfg.IndexPrefix
	if prefix == "" {
		prefix = "boxoffice-sales"
	}
	return &OpenSearchAnalytics{client: client, prefix: prefix, now: time.Now}, nil
}

type salesDocument struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"@timestamp"`
	Sale
}

func (a *OpenSearchAnalytics) Track(ctx context.Context, event string, sale Sale) error {
	now := a.now().UTC()
	body, err := json.Marshal(salesDocument{Event: event, Timestamp: now, Sale: sale})
	if err != nil {
		return fmt.Errorf("failed to encode analytics event: %w", err)
	}

	index := a.prefix + "-" + now.Format("2006.01")
	res, err := a.client.Index(index, bytes.NewReader(body),
		a.client.Index.WithContext(ctx),
		a.client.Index.WithDocumentID(event+":"+sale.Source+":"+sale.EventID),
	)
	if err != nil {
		return fmt.Errorf("failed to index analytics event: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("opensearch returned %s: %s", res.Status(), msg)
	}
	return nil
}

// Ping checks the cluster is reachable.
func (a *OpenSearchAnalytics) Ping(ctx context.Context) error {
	res, err := a.client.Ping(a.client.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("opensearch ping returned %s", res.Status())
	}
	return nil
}
