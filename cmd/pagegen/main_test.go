package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rcourtman/pagegen/internal/entitlements"
	accerrors "github.com/rcourtman/pagegen/internal/errors"
	"github.com/rcourtman/pagegen/internal/gate"
	"github.com/rcourtman/pagegen/internal/mockapi"
	"github.com/rcourtman/pagegen/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	t.Cleanup(func() { Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit })

	Version = "1.2.3"
	BuildTime = "2030-01-01"
	GitCommit = "abcdef"

	out, err := runCLI(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "pagegen 1.2.3")
	assert.Contains(t, out, "Built: 2030-01-01")
	assert.Contains(t, out, "Commit: abcdef")
}

func TestPresentError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		want string
	}{
		{"canceled", accerrors.Canceled("generate", context.Canceled), exitCanceled, ""},
		{"no session", accerrors.Auth("session", session.ErrNoSession), exitAuth, "not logged in"},
		{"expired", accerrors.FromStatus("generate", 401, ""), exitAuth, "session has expired"},
		{"forbidden", accerrors.FromStatus("fetch_page", 403, "Not in your plan"), exitDenied, "Access denied: Not in your plan"},
		{"exhausted", gate.Decision{Reason: gate.ReasonUsageExhausted}.Err(), exitDenied, "no remaining uses"},
		{"denied", gate.Decision{Reason: gate.ReasonEmptyInput}.Err(), exitDenied, "enter text or choose a file"},
		{"network", accerrors.Network("generate", errors.New("dial tcp: refused")), exitError, "Could not reach the server"},
		{"server verbatim", accerrors.FromStatus("generate", 500, "Model overloaded"), exitError, "Model overloaded"},
		{"server generic", accerrors.FromStatus("generate", 502, ""), exitError, "could not complete the request"},
		{"malformed", accerrors.Malformed("generate", errors.New("no output")), exitError, "unexpected response"},
		{"not selectable", entitlements.ErrProductNotSelectable, exitError, "not available to you"},
		{"switch", &entitlements.SwitchError{Target: "B", Failed: []string{"A"}}, exitError, "Could not switch to B"},
		{"other", errors.New("boom"), exitError, "Error: boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			assert.Equal(t, tc.code, presentError(&buf, tc.err))
			if tc.want == "" {
				assert.Empty(t, buf.String())
				return
			}
			assert.Contains(t, buf.String(), tc.want)
		})
	}
}

func setupCLI(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend, err := mockapi.New(mockapi.Config{})
	require.NoError(t, err)
	_, err = mockapi.Seed(backend, mockapi.DefaultFixtures)
	require.NoError(t, err)
	srv := httptest.NewServer(backend.Handler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	t.Setenv("PAGEGEN_API_URL", srv.URL)
	t.Setenv("PAGEGEN_DATA_DIR", dir)
	t.Setenv("PAGEGEN_SESSION_BACKEND", "file")
	t.Setenv("PAGEGEN_SWITCH_MODE", "server")
	t.Setenv("PAGEGEN_METRICS_FILE", filepath.Join(dir, "pagegen.prom"))
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func TestCLIWorkflow(t *testing.T) {
	dir := setupCLI(t)

	out, err := runCLI(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Not logged in.")

	_, err = runCLI(t, "", "products")
	require.Error(t, err)
	assert.True(t, accerrors.IsAuthError(err))

	out, err = runCLI(t, mockapi.DefaultFixtures.Password+"\n", "login", "--email", mockapi.DefaultFixtures.Email)
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as demo <demo@example.com>")
	assert.Contains(t, out, "Active product: Essay Review (prod-1) (5 uses remaining)")

	out, err = runCLI(t, "", "products")
	require.NoError(t, err)
	assert.Contains(t, out, "prod-2")
	assert.Contains(t, out, "expired")

	out, err = runCLI(t, "", "page", "page-essay")
	require.NoError(t, err)
	assert.Contains(t, out, "Essay Feedback")
	assert.Contains(t, out, "Instructions:")

	out, err = runCLI(t, "", "generate", "page-essay", "--text", "A short essay about tests.", "--pdf", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "ESSAY FEEDBACK")
	assert.Contains(t, out, "4 uses remaining on prod-1")
	_, err = os.Stat(filepath.Join(dir, "Essay_Feedback-output.pdf"))
	assert.NoError(t, err)

	metricsFile, err := os.ReadFile(filepath.Join(dir, "pagegen.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metricsFile), "pagegen_generations_total")

	out, err = runCLI(t, "", "history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Essay Feedback")

	out, err = runCLI(t, "", "history", "export", "--format", "csv")
	require.NoError(t, err)
	assert.Contains(t, out, "page-essay")

	out, err = runCLI(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "(4 uses remaining)")

	out, err = runCLI(t, "", "switch", "prod-2")
	require.NoError(t, err)
	assert.Contains(t, out, "Active product: Cover Letter (prod-2)")

	_, err = runCLI(t, "", "generate", "page-restricted", "--text", "hi")
	require.Error(t, err)
	var buf bytes.Buffer
	assert.Equal(t, exitDenied, presentError(&buf, err))
	assert.Contains(t, buf.String(), "not available under the selected product")

	_, err = runCLI(t, "", "switch", "prod-expired")
	assert.ErrorIs(t, err, entitlements.ErrProductNotSelectable)

	out, err = runCLI(t, "", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged out")

	out, err = runCLI(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Not logged in.")
}

func TestGenerateWithoutProductIsDenied(t *testing.T) {
	gin.SetMode(gin.TestMode)

	backend, err := mockapi.New(mockapi.Config{})
	require.NoError(t, err)
	backend.AddProduct(mockapi.Product{ID: "prod-old", Name: "Old Plan"})
	backend.AddPage(mockapi.Page{ID: "page-essay", Name: "Essay Feedback", Instructions: "Review it."})
	expired := time.Now().Add(-time.Hour)
	_, err = backend.AddUser("lapsed@example.com", "lapsed-password", mockapi.Grant{ProductID: "prod-old", RemainingUsage: 3, ExpiresAt: &expired})
	require.NoError(t, err)
	srv := httptest.NewServer(backend.Handler())
	t.Cleanup(srv.Close)

	t.Setenv("PAGEGEN_API_URL", srv.URL)
	t.Setenv("PAGEGEN_DATA_DIR", t.TempDir())
	t.Setenv("PAGEGEN_SESSION_BACKEND", "file")
	t.Setenv("LOG_LEVEL", "error")

	_, err = runCLI(t, "lapsed-password\n", "login", "--email", "lapsed@example.com")
	require.NoError(t, err)

	_, err = runCLI(t, "", "generate", "page-essay", "--text", "hello")
	require.Error(t, err)
	var denied *gate.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, gate.ReasonNoProduct, denied.Reason)

	var buf bytes.Buffer
	assert.Equal(t, exitDenied, presentError(&buf, err))
	assert.Contains(t, buf.String(), "Cannot generate: no product selected.")
}

func TestGenerateRequiresOneInput(t *testing.T) {
	setupCLI(t)

	_, err := runCLI(t, "", "generate", "page-essay")
	assert.EqualError(t, err, "exactly one of --text or --file is required")

	_, err = runCLI(t, "", "generate", "page-essay", "--text", "x", "--file", "y")
	assert.Error(t, err)
}

func TestPrintOutput(t *testing.T) {
	var buf bytes.Buffer
	printOutput(&buf, "**Summary**\n**Strengths: clear - concise**")
	assert.Equal(t, "\nSUMMARY\nStrengths:\n  - clear\n  - concise\n", buf.String())

	buf.Reset()
	printOutput(&buf, "  plain text  ")
	assert.Equal(t, "plain text\n", buf.String())
}
