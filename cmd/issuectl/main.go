// Package main provides issuectl, an interactive terminal client for the
// issued daemon. It keeps the latest broadcast snapshot in memory and
// submits mutations typed at a prompt.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/calvinalkan/issued/internal/issue"
	"github.com/calvinalkan/issued/internal/server"
)

func main() {
	flags := pflag.NewFlagSet("issuectl", pflag.ContinueOnError)
	addr := flags.String("addr", "localhost:3000", "address of the issued server")
	user := flags.String("user", defaultUser(), "name sent as creator/author on mutations")

	parseErr := flags.Parse(os.Args[1:])
	if parseErr != nil {
		if errors.Is(parseErr, pflag.ErrHelp) {
			os.Exit(0)
		}

		os.Exit(2)
	}

	client, dialErr := dial(*addr, *user)
	if dialErr != nil {
		fmt.Fprintf(os.Stderr, "issuectl: %v\n", dialErr)
		os.Exit(1)
	}

	defer client.close()

	runErr := client.repl()
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "issuectl: %v\n", runErr)
		os.Exit(1)
	}
}

func defaultUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}

	return ""
}

// client holds the connection and the last snapshot pushed by the server.
type client struct {
	conn net.Conn
	user string

	mu     sync.Mutex
	issues []issue.Issue
	joined chan struct{} // closed once the first snapshot arrives
	gone   chan struct{} // closed when the server connection drops
}

func dial(addr, user string) (*client, error) {
	conn, dialErr := net.Dial("tcp", addr)
	if dialErr != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, dialErr)
	}

	c := &client{
		conn:   conn,
		user:   user,
		joined: make(chan struct{}),
		gone:   make(chan struct{}),
	}

	go c.receive()

	return c, nil
}

func (c *client) close() {
	_ = c.conn.Close()
}

// receive consumes server pushes: snapshots replace the local collection
// wholesale, error messages print immediately.
func (c *client) receive() {
	defer close(c.gone)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	first := true

	for scanner.Scan() {
		var envelope server.Envelope

		unmarshalErr := json.Unmarshal(scanner.Bytes(), &envelope)
		if unmarshalErr != nil {
			continue
		}

		switch envelope.Event {
		case server.EventIssuesUpdated:
			var issues []issue.Issue
			if json.Unmarshal(envelope.Payload, &issues) != nil {
				continue
			}

			c.mu.Lock()
			c.issues = issues
			c.mu.Unlock()

			if first {
				first = false

				close(c.joined)
			} else {
				fmt.Printf("\r(collection updated: %d issues)\n", len(issues))
			}

		case server.EventErrorMsg:
			var msg string
			_ = json.Unmarshal(envelope.Payload, &msg)

			fmt.Printf("\rserver error: %s\n", msg)
		}
	}
}

func (c *client) send(event string, payload any) error {
	raw, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return fmt.Errorf("encoding payload: %w", marshalErr)
	}

	line, marshalErr := json.Marshal(server.Envelope{Event: event, Payload: raw})
	if marshalErr != nil {
		return fmt.Errorf("encoding envelope: %w", marshalErr)
	}

	_, writeErr := c.conn.Write(append(line, '\n'))
	if writeErr != nil {
		return fmt.Errorf("sending %s: %w", event, writeErr)
	}

	return nil
}

func (c *client) snapshot() []issue.Issue {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.issues
}

func historyFile() string {
	home, homeErr := os.UserHomeDir()
	if homeErr != nil {
		return ""
	}

	return filepath.Join(home, ".issuectl_history")
}

var replCommands = []string{
	"list", "show", "create", "status", "rename", "describe", "comment", "help", "quit",
}

// repl is the interactive command loop.
//
//nolint:cyclop // command dispatch
func (c *client) repl() error {
	select {
	case <-c.joined:
	case <-c.gone:
		return errors.New("server closed the connection before sending a snapshot")
	}

	prompt := liner.NewLiner()
	defer prompt.Close()

	prompt.SetCtrlCAborts(true)
	prompt.SetCompleter(func(line string) []string {
		var matches []string

		for _, cmd := range replCommands {
			if strings.HasPrefix(cmd, strings.ToLower(line)) {
				matches = append(matches, cmd)
			}
		}

		return matches
	})

	if f, openErr := os.Open(historyFile()); openErr == nil {
		_, _ = prompt.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Printf("connected, %d issues. Type 'help' for commands.\n", len(c.snapshot()))

	for {
		line, promptErr := prompt.Prompt("issued> ")
		if promptErr != nil {
			if errors.Is(promptErr, liner.ErrPromptAborted) || errors.Is(promptErr, io.EOF) {
				fmt.Println()

				c.saveHistory(prompt)

				return nil
			}

			return fmt.Errorf("reading input: %w", promptErr)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		prompt.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "quit", "exit", "q":
			c.saveHistory(prompt)

			return nil

		case "help", "?":
			printHelp()

		case "list", "ls":
			c.cmdList()

		case "show":
			c.cmdShow(args)

		case "create":
			c.cmdCreate(args)

		case "status":
			c.cmdStatus(args)

		case "rename":
			c.cmdRename(args)

		case "describe":
			c.cmdDescribe(args)

		case "comment":
			c.cmdComment(args)

		default:
			fmt.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (c *client) saveHistory(prompt *liner.State) {
	path := historyFile()
	if path == "" {
		return
	}

	f, createErr := os.Create(path) //nolint:gosec // path is under $HOME
	if createErr != nil {
		return
	}

	_, _ = prompt.WriteHistory(f)
	_ = f.Close()
}

func printHelp() {
	fmt.Print(`Commands:
  list                     List all issues
  show <id>                Show one issue with comments
  create <title...>        Create a new issue
  status <id> <status>     Set status: open, in_progress, closed
  rename <id> <title...>   Replace the title
  describe <id> <text...>  Replace the description
  comment <id> <text...>   Add a comment
  quit                     Exit
`)
}

func (c *client) cmdList() {
	issues := c.snapshot()
	if len(issues) == 0 {
		fmt.Println("no issues")

		return
	}

	for _, iss := range issues {
		fmt.Printf("%s  %-11s  %s (%d comments)\n", iss.ID, iss.Status, iss.Title, len(iss.Comments))
	}
}

func (c *client) cmdShow(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: show <id>")

		return
	}

	for _, iss := range c.snapshot() {
		if iss.ID != args[0] {
			continue
		}

		fmt.Printf("%s [%s] by %s\n", iss.Title, iss.Status, iss.Creator)
		fmt.Printf("  id: %s\n  created: %s\n  updated: %s\n", iss.ID, iss.CreatedAt, iss.UpdatedAt)

		if iss.Description != "" {
			fmt.Printf("  %s\n", iss.Description)
		}

		for _, comment := range iss.Comments {
			fmt.Printf("  - %s (%s): %s\n", comment.Author, comment.CreatedAt, comment.Text)
		}

		return
	}

	fmt.Println("issue not found in local snapshot")
}

func (c *client) cmdCreate(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: create <title...>")

		return
	}

	c.report(c.send(server.EventCreateIssue, server.CreateIssuePayload{
		Title:   strings.Join(args, " "),
		Creator: c.user,
	}))
}

func (c *client) cmdStatus(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: status <id> <open|in_progress|closed>")

		return
	}

	c.report(c.send(server.EventUpdateStatus, server.UpdateStatusPayload{
		ID:     args[0],
		Status: args[1],
	}))
}

func (c *client) cmdRename(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: rename <id> <title...>")

		return
	}

	c.report(c.send(server.EventEditIssue, server.EditIssuePayload{
		ID:    args[0],
		Title: strings.Join(args[1:], " "),
	}))
}

func (c *client) cmdDescribe(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: describe <id> <text...>")

		return
	}

	c.report(c.send(server.EventEditIssue, server.EditIssuePayload{
		ID:          args[0],
		Description: strings.Join(args[1:], " "),
	}))
}

func (c *client) cmdComment(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: comment <id> <text...>")

		return
	}

	c.report(c.send(server.EventAddComment, server.AddCommentPayload{
		ID:     args[0],
		Author: c.user,
		Text:   strings.Join(args[1:], " "),
	}))
}

func (c *client) report(sendErr error) {
	if sendErr != nil {
		fmt.Printf("send failed: %v\n", sendErr)
	}
}
