package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/lmonteiro/parley/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := newClient(session.SocketPath(sessionName))

	var err error
	switch args[0] {
	case "status":
		err = c.get("/v1/status")
	case "conversations":
		err = c.get("/v1/conversations")
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: parleyctl messages <conversation-id>")
			os.Exit(1)
		}
		err = c.get("/v1/conversations/" + url.PathEscape(args[1]) + "/messages")
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: parleyctl send <conversation-id> <text>")
			os.Exit(1)
		}
		err = c.post("/v1/conversations/"+url.PathEscape(args[1])+"/messages",
			map[string]string{"contentType": "text", "content": args[2]})
	case "recall":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: parleyctl recall <conversation-id> <uuid>")
			os.Exit(1)
		}
		err = c.post("/v1/conversations/"+url.PathEscape(args[1])+"/messages/"+url.PathEscape(args[2])+"/recall", nil)
	case "older":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: parleyctl older <conversation-id>")
			os.Exit(1)
		}
		err = c.post("/v1/conversations/"+url.PathEscape(args[1])+"/older", nil)
	case "retry":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: parleyctl retry <conversation-id> <client-id>")
			os.Exit(1)
		}
		err = c.post("/v1/conversations/"+url.PathEscape(args[1])+"/sends/"+url.PathEscape(args[2])+"/retry", nil)
	case "discard":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: parleyctl discard <conversation-id> <client-id>")
			os.Exit(1)
		}
		err = c.del("/v1/conversations/" + url.PathEscape(args[1]) + "/sends/" + url.PathEscape(args[2]))
	case "sync":
		err = c.post("/v1/sync", nil)
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: parleyctl [--session name] <command>

commands:
  status                      daemon connectivity state
  conversations               list cached conversations
  messages <conversation-id>  show a conversation timeline
  send <conversation-id> <text>
  recall <conversation-id> <uuid>
  older <conversation-id>     load an older page of the timeline
  retry <conversation-id> <client-id>
  discard <conversation-id> <client-id>
  sync                        force a full sync pass`)
}

type client struct {
	http *http.Client
}

func newClient(socketPath string) *client {
	return &client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
	}
}

func (c *client) get(path string) error {
	resp, err := c.http.Get("http://parley" + path)
	if err != nil {
		return fmt.Errorf("cannot reach daemon (is parleyd running?): %w", err)
	}
	return printResponse(resp)
}

func (c *client) post(path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post("http://parley"+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("cannot reach daemon (is parleyd running?): %w", err)
	}
	return printResponse(resp)
}

func (c *client) del(path string) error {
	req, err := http.NewRequest(http.MethodDelete, "http://parley"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon (is parleyd running?): %w", err)
	}
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()

	var env struct {
		OK    bool            `json:"ok"`
		Error string          `json:"error,omitempty"`
		Data  json.RawMessage `json:"data,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.OK {
		return fmt.Errorf("%s", env.Error)
	}

	var out bytes.Buffer
	if len(env.Data) > 0 {
		if err := json.Indent(&out, env.Data, "", "  "); err != nil {
			return err
		}
	} else {
		out.WriteString("ok")
	}
	fmt.Println(out.String())
	return nil
}
