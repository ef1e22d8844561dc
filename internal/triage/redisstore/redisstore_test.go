package redisstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/lifeline/internal/triage"
	"github.com/linnemanlabs/lifeline/internal/triage/redisstore"
	"github.com/linnemanlabs/lifeline/internal/triage/storetest"
)

func openStore(t *testing.T) triage.Store {
	t.Helper()
	url := os.Getenv("LIFELINE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LIFELINE_TEST_REDIS_URL not set, skipping integration test")
	}
	// fresh prefix per store keeps runs independent without flushing the db
	s, err := redisstore.New(context.Background(), redisstore.Config{
		URL:     url,
		Prefix:  "lifeline-test:" + ulid.Make().String() + ":",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, openStore)
}

func TestNew_BadURL(t *testing.T) {
	t.Parallel()

	if _, err := redisstore.New(context.Background(), redisstore.Config{URL: "not-a-url"}); err == nil {
		t.Fatal("expected error for malformed redis url")
	}
}
