// Package storage keeps call artifacts in Supabase: recordings in a storage
// bucket and call outcomes in a table.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
)

var ErrNotConfigured = errors.New("storage: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required")

// Config selects the project, bucket and table.
type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
	OutcomesTable  string
}

// Outcome is one row of the outcomes table.
type Outcome struct {
	ID        string          `json:"id"`
	CallID    string          `json:"call_id"`
	Agent     string          `json:"agent,omitempty"`
	Kind      string          `json:"kind"`
	Function  string          `json:"function,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type objectStore interface {
	UploadFile(bucketID, relativePath string, data io.Reader, opts ...storage_go.FileOptions) (storage_go.FileUploadResponse, error)
}

type rowInserter func(table string, row any) error

// Supabase implements recording upload and outcome recording.
type Supabase struct {
	objects objectStore
	insert  rowInserter
	bucket  string
	table   string
}

// NewSupabase connects the client. It fails when the project is not
// configured.
func NewSupabase(cfg Config) (*Supabase, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, ErrNotConfigured
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: create supabase client: %w", err)
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "voice-recording"
	}
	if cfg.OutcomesTable == "" {
		cfg.OutcomesTable = "call_outcomes"
	}
	return &Supabase{
		objects: client.Storage,
		insert: func(table string, row any) error {
			_, _, err := client.From(table).Insert(row, false, "", "minimal", "").Execute()
			return err
		},
		bucket: cfg.Bucket,
		table:  cfg.OutcomesTable,
	}, nil
}

// Upload stores an object under key in the bucket.
func (s *Supabase) Upload(key, contentType string, data []byte) error {
	upsert := true
	_, err := s.objects.UploadFile(s.bucket, key, bytes.NewReader(data), storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return fmt.Errorf("storage: upload %s: %w", key, err)
	}
	return nil
}

// RecordOutcome inserts one outcome row.
func (s *Supabase) RecordOutcome(ctx context.Context, o Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if err := s.insert(s.table, o); err != nil {
		return fmt.Errorf("storage: insert outcome into %s: %w", s.table, err)
	}
	return nil
}
