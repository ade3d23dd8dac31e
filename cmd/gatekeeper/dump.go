package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/itchyny/gojq"
)

// runDump fetches queue state from a running scheduler's debug surface
// and filters it with a jq-style query, for operators inspecting a stuck
// pipeline.
func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	statusURL := fs.String("status-url", "http://127.0.0.1:8080", "debug surface base URL")
	pipelineName := fs.String("pipeline", "", "pipeline to dump (empty lists pipeline names)")
	query := fs.String("query", ".", "jq expression applied to the dump")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := "/pipelines"
	if *pipelineName != "" {
		path = "/pipelines/" + *pipelineName
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(*statusURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}

	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return err
	}

	parsed, err := gojq.Parse(*query)
	if err != nil {
		return fmt.Errorf("parse query: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	iter := parsed.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return fmt.Errorf("run query: %w", err)
		}
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
	return nil
}
