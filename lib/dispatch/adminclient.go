// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/halyard-dev/halyard/lib/cmd"
	"github.com/halyard-dev/halyard/lib/config"
	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// DemandCommand is the admin CLI for a running dispatcher's
// management API.
var DemandCommand = cmd.Multi(map[string]cmd.Handler{
	"list":   demandList{},
	"set":    demandSet{},
	"status": dispatchStatus{},
})

// adminFlags are the flags shared by all admin subcommands.
func adminFlags(flags *flag.FlagSet) (configPath, server *string) {
	configPath = flags.String("config", config.DefaultPath, "`path` to config file")
	server = flags.String("server", "", "dispatcher base `url` (default derived from the Listen config)")
	return
}

// adminClient resolves the management API base URL and token from
// flags and config.
func adminClient(configPath, server string) (baseURL, token string, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", "", err
	}
	baseURL = server
	if baseURL == "" {
		host := cfg.Listen
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		baseURL = "http://" + host
	}
	return strings.TrimSuffix(baseURL, "/"), cfg.ManagementToken, nil
}

func adminGet(baseURL, token, path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("error setting up API request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("error doing API request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API request returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding API response: %w", err)
	}
	return nil
}

type demandList struct{}

func (demandList) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	configPath, server := adminFlags(flags)
	header := flags.Bool("header", false, "print column headings")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	baseURL, token, err := adminClient(*configPath, *server)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	var demand struct {
		Items []struct {
			RunSpecID halyard.RunSpecID `json:"run_spec_id"`
			Desired   int               `json:"desired"`
			Demand    int               `json:"demand"`
		} `json:"items"`
	}
	if err := adminGet(baseURL, token, "/halyard/v1/dispatch/demand", &demand); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *header {
		fmt.Fprint(stdout, "run-spec\tdesired\tdemand\n")
	}
	for _, item := range demand.Items {
		fmt.Fprintf(stdout, "%s\t%d\t%d\n", item.RunSpecID, item.Desired, item.Demand)
	}
	return 0
}

type demandSet struct{}

func (demandSet) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	configPath, server := adminFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "run-spec-id desired-count", stderr); !ok {
		return code
	}
	if flags.NArg() != 2 {
		fmt.Fprintln(stderr, "usage error: expected run-spec-id and desired-count")
		return 2
	}
	desired, err := strconv.Atoi(flags.Arg(1))
	if err != nil {
		fmt.Fprintf(stderr, "usage error: bad desired-count %q: %s\n", flags.Arg(1), err)
		return 2
	}
	baseURL, token, err := adminClient(*configPath, *server)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	body, _ := json.Marshal(map[string]interface{}{
		"run_spec_id": flags.Arg(0),
		"desired":     desired,
	})
	req, err := http.NewRequest(http.MethodPost, baseURL+"/halyard/v1/dispatch/demand", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(stderr, "error setting up API request: %s\n", err)
		return 1
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(stderr, "error doing API request: %s\n", err)
		return 1
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		fmt.Fprintf(stderr, "API request returned %s\n", resp.Status)
		return 1
	}
	return 0
}

type dispatchStatus struct{}

func (dispatchStatus) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	configPath, server := adminFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	baseURL, token, err := adminClient(*configPath, *server)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	var status json.RawMessage
	if err := adminGet(baseURL, token, "/halyard/v1/dispatch/status", &status); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	var buf bytes.Buffer
	json.Indent(&buf, status, "", "  ")
	fmt.Fprintln(stdout, buf.String())
	return 0
}
