package e2e

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"alertcore/internal/app"
	"alertcore/internal/clock"
	"alertcore/internal/config"

	"github.com/stretchr/testify/require"
)

// newServiceFromConfig writes TOML into a temp file and builds Service from it.
// Params: test handle and config body.
// Returns: initialized service instance.
func newServiceFromConfig(t *testing.T, body string) *app.Service {
	t.Helper()

	path := filepath.Join(t.TempDir(), "alertd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	source, err := config.FromCLI(path, "")
	require.NoError(t, err)
	service, err := app.NewService(source, clock.RealClock{})
	require.NoError(t, err)
	return service
}

// runService starts service in background with cancellable context.
// Params: test handle and initialized service.
// Returns: cancel callback and done channel with Run result.
func runService(t *testing.T, service *app.Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	return cancel, done
}

// waitReady waits for /readyz endpoint to return 200.
func waitReady(t *testing.T, port int) {
	t.Helper()
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	}, 8*time.Second, 50*time.Millisecond)
}

// waitServiceStop asserts service Run exits without error after cancellation.
func waitServiceStop(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case runErr := <-done:
		require.NoError(t, runErr)
	case <-time.After(8 * time.Second):
		t.Fatalf("service did not stop after cancel")
	}
}
