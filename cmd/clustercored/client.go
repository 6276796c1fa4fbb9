package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// adminClient is a thin wrapper around the admin HTTP surface, used by the
// query/control subcommands below. It talks to whatever --admin-addr a
// running clustercored was started with.
type adminClient struct {
	base string
	hc   *http.Client
}

func newAdminClient(addr string) *adminClient {
	return &adminClient{base: "http://" + addr, hc: &http.Client{Timeout: 35 * time.Second}}
}

func (c *adminClient) do(method, path string, body any) ([]byte, int, error) {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, c.base+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return out, resp.StatusCode, nil
}

// printResult pretty-prints a successful admin response, or surfaces the
// server's JSON error message as a Go error so cobra reports it on stderr
// with a non-zero exit code.
func printResult(body []byte, status int) error {
	if status >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("admin: %s", e.Error)
		}
		return fmt.Errorf("admin: request failed with status %d", status)
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(body))
	}
	return nil
}

func adminAddrFlag(cmd *cobra.Command) (string, error) {
	return cmd.Flags().GetString("admin-addr")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print this node's membership state",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := adminAddrFlag(cmd)
		if err != nil {
			return err
		}
		body, status, err := newAdminClient(addr).do(http.MethodGet, "/status", nil)
		if err != nil {
			return err
		}
		return printResult(body, status)
	},
}

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "List known cluster members",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := adminAddrFlag(cmd)
		if err != nil {
			return err
		}
		body, status, err := newAdminClient(addr).do(http.MethodGet, "/nodes", nil)
		if err != nil {
			return err
		}
		return printResult(body, status)
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave",
	Short: "Voluntarily leave the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := adminAddrFlag(cmd)
		if err != nil {
			return err
		}
		body, status, err := newAdminClient(addr).do(http.MethodPost, "/leave", nil)
		if err != nil {
			return err
		}
		return printResult(body, status)
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <node-id>",
	Short: "Evict a peer from the cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := adminAddrFlag(cmd)
		if err != nil {
			return err
		}
		body, status, err := newAdminClient(addr).do(http.MethodPost, "/nodes/"+args[0]+"/kill", nil)
		if err != nil {
			return err
		}
		return printResult(body, status)
	},
}

var barrierCmd = &cobra.Command{
	Use:   "barrier",
	Short: "Inspect and wait on named barriers",
}

var barrierLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List known barriers",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := adminAddrFlag(cmd)
		if err != nil {
			return err
		}
		body, status, err := newAdminClient(addr).do(http.MethodGet, "/barriers", nil)
		if err != nil {
			return err
		}
		return printResult(body, status)
	},
}

var barrierWaitCmd = &cobra.Command{
	Use:   "wait <name>",
	Short: "Announce arrival at a barrier and block until it resolves",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := adminAddrFlag(cmd)
		if err != nil {
			return err
		}
		memberID, _ := cmd.Flags().GetString("member-id")
		timeoutSeconds, _ := cmd.Flags().GetInt("timeout")
		body, status, err := newAdminClient(addr).do(http.MethodPost, "/barriers/"+args[0]+"/wait", map[string]any{
			"member_id":       memberID,
			"timeout_seconds": timeoutSeconds,
		})
		if err != nil {
			return err
		}
		return printResult(body, status)
	},
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Inspect and drive locally registered service groups",
}

var serviceLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered service groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := adminAddrFlag(cmd)
		if err != nil {
			return err
		}
		body, status, err := newAdminClient(addr).do(http.MethodGet, "/sg", nil)
		if err != nil {
			return err
		}
		return printResult(body, status)
	},
}

var serviceJoinCmd = &cobra.Command{
	Use:   "join <local-id>",
	Short: "Join a registered service group to the cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := adminAddrFlag(cmd)
		if err != nil {
			return err
		}
		body, status, err := newAdminClient(addr).do(http.MethodPost, "/sg/"+args[0]+"/join", nil)
		if err != nil {
			return err
		}
		return printResult(body, status)
	},
}

var serviceLeaveCmd = &cobra.Command{
	Use:   "leave <local-id>",
	Short: "Leave a registered service group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := adminAddrFlag(cmd)
		if err != nil {
			return err
		}
		body, status, err := newAdminClient(addr).do(http.MethodPost, "/sg/"+args[0]+"/leave", nil)
		if err != nil {
			return err
		}
		return printResult(body, status)
	},
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, membersCmd, leaveCmd, killCmd, barrierCmd, serviceCmd} {
		c.PersistentFlags().String("admin-addr", "127.0.0.1:5480", "admin HTTP surface address of the target clustercored")
	}
	barrierWaitCmd.Flags().String("member-id", "", "identifier to register as the waiter (defaults to this process's address as seen by the daemon)")
	barrierWaitCmd.Flags().Int("timeout", 30, "seconds to wait before giving up")

	barrierCmd.AddCommand(barrierLsCmd, barrierWaitCmd)
	serviceCmd.AddCommand(serviceLsCmd, serviceJoinCmd, serviceLeaveCmd)

	rootCmd.AddCommand(statusCmd, membersCmd, leaveCmd, killCmd, barrierCmd, serviceCmd)
}
