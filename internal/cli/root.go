// Package cli implements outreachctl, the operator command line for the
// outreach API.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Environment variables read for flag defaults.
const (
	EnvAPIURL   = "OUTREACH_API_URL"
	EnvAPIToken = "OUTREACH_API_TOKEN"

	defaultAPIURL = "http://localhost:8080"
)

// LoadEnv loads KEY=value files into the environment without overriding
// variables that are already set. Missing files are skipped.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

type app struct {
	apiURL  string
	token   string
	timeout time.Duration
	asJSON  bool
}

func (a *app) client() *Client {
	return NewClient(a.apiURL, a.token, a.timeout)
}

// emit writes v as indented JSON when --json is set, otherwise calls human.
func (a *app) emit(w io.Writer, v any, human func()) error {
	if !a.asJSON {
		human()
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// RootCmd returns the outreachctl command tree.
func RootCmd(version string) *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:     "outreachctl",
		Short:   "Operate lead classification and nurture sequences",
		Version: version,
		Long: `outreachctl talks to the outreach API to classify leads, enroll contacts on
nurture sequences and control running enrollments.

The API address and token default to $OUTREACH_API_URL and
$OUTREACH_API_TOKEN, which may also be set in a .env file.`,
		SilenceUsage: true,
	}

	apiURL := os.Getenv(EnvAPIURL)
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.apiURL, "api-url", apiURL, "outreach API base URL")
	pf.StringVar(&a.token, "token", os.Getenv(EnvAPIToken), "API bearer token")
	pf.DurationVar(&a.timeout, "timeout", 30*time.Second, "request timeout")
	pf.BoolVar(&a.asJSON, "json", false, "print raw JSON responses")

	root.AddCommand(
		classifyCmd(a),
		leadCmd(a),
		enrollCmd(a),
		listCmd(a),
		getCmd(a),
		pauseCmd(a),
		resumeCmd(a),
		cancelCmd(a),
		batchCmd(a),
		statsCmd(a),
		sequencesCmd(a),
	)
	return root
}
