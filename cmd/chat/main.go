package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

type event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func main() {
	server := flag.String("server", "http://localhost:8080", "agentflow server URL")
	sessionID := flag.String("session", "cli", "Session id")
	flag.Parse()

	fmt.Println("agentflow CLI")
	fmt.Printf("Server: %s | Session: %s\n", *server, *sessionID)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /agents, /stats, /tools, /research <company>[; goal, goal]")
	fmt.Println("---")

	c := &client{server: strings.TrimRight(*server, "/"), session: *sessionID}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			fmt.Println("Bye!")
			return
		case input == "/agents":
			c.agents()
		case input == "/stats":
			c.stats()
		case input == "/tools":
			c.tools()
		case strings.HasPrefix(input, "/research "):
			company, goals := parseResearch(strings.TrimPrefix(input, "/research "))
			c.stream("/api/research", map[string]any{"company": company, "goals": goals})
		default:
			c.stream("/api/chat", map[string]any{"message": input})
		}
	}
}

// parseResearch splits "Acme Corp; pricing, hiring" into company and goals.
func parseResearch(s string) (string, []string) {
	company, rest, _ := strings.Cut(s, ";")
	var goals []string
	for _, g := range strings.Split(rest, ",") {
		if g = strings.TrimSpace(g); g != "" {
			goals = append(goals, g)
		}
	}
	return strings.TrimSpace(company), goals
}

type client struct {
	server  string
	session string
}

func (c *client) get(path string, v any) error {
	req, err := http.NewRequest("GET", c.server+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Session-ID", c.session)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *client) agents() {
	var agents []struct {
		Name         string   `json:"name"`
		Description  string   `json:"description"`
		Capabilities []string `json:"capabilities"`
	}
	if err := c.get("/api/agents", &agents); err != nil {
		printError("Failed to fetch agents: %v", err)
		return
	}
	fmt.Println("Agents:")
	for _, a := range agents {
		fmt.Printf("  %-12s %s\n", a.Name, a.Description)
	}
}

func (c *client) stats() {
	var stats map[string]struct {
		TasksCompleted int64   `json:"tasks_completed"`
		TasksFailed    int64   `json:"tasks_failed"`
		SuccessRate    float64 `json:"success_rate"`
		Average        int64   `json:"average_execution_time"`
	}
	if err := c.get("/api/agents/stats", &stats); err != nil {
		printError("Failed to fetch stats: %v", err)
		return
	}
	if len(stats) == 0 {
		fmt.Println("No agent has run yet.")
		return
	}
	for name, s := range stats {
		fmt.Printf("  %-12s ok=%d failed=%d rate=%.0f%% avg=%dms\n",
			name, s.TasksCompleted, s.TasksFailed, s.SuccessRate*100, s.Average/1e6)
	}
}

func (c *client) tools() {
	var list []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.get("/api/tools", &list); err != nil {
		printError("Failed to fetch tools: %v", err)
		return
	}
	for _, t := range list {
		fmt.Printf("  %-14s %s\n", t.Name, t.Description)
	}
}

func (c *client) stream(path string, body any) {
	b, _ := json.Marshal(body)
	req, err := http.NewRequest("POST", c.server+path, bytes.NewReader(b))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Session-ID", c.session)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			printError("Bad event: %v", err)
			continue
		}
		render(ev)
	}
	fmt.Println()
}

func render(ev event) {
	switch ev.Type {
	case "content":
		var s string
		json.Unmarshal(ev.Data, &s)
		fmt.Print(s)
	case "reasoning":
		var r struct {
			Thought string `json:"thought"`
		}
		json.Unmarshal(ev.Data, &r)
		fmt.Printf("\033[90m[thinking] %s\033[0m\n", r.Thought)
	case "tool-call":
		var tc struct {
			Name   string `json:"name"`
			Status string `json:"status"`
			Agent  string `json:"agent"`
			Call   *struct {
				Name   string `json:"name"`
				Status string `json:"status"`
			} `json:"call"`
		}
		json.Unmarshal(ev.Data, &tc)
		if tc.Call != nil {
			tc.Name, tc.Status = tc.Call.Name, tc.Call.Status
		}
		prefix := ""
		if tc.Agent != "" {
			prefix = tc.Agent + " "
		}
		fmt.Printf("\033[33m[tool] %s%s %s\033[0m\n", prefix, tc.Name, tc.Status)
	case "agent-update":
		var u struct {
			Agent   string `json:"agent"`
			Status  string `json:"status"`
			Attempt int    `json:"attempt"`
			Error   string `json:"error"`
		}
		json.Unmarshal(ev.Data, &u)
		line := fmt.Sprintf("[agent] %s %s (attempt %d)", u.Agent, u.Status, u.Attempt)
		if u.Error != "" {
			line += ": " + u.Error
		}
		fmt.Printf("\033[36m%s\033[0m\n", line)
	case "workflow-update":
		renderWorkflow(ev.Data)
	case "sources":
		var srcs []struct {
			Title string `json:"title"`
			URL   string `json:"url"`
		}
		json.Unmarshal(ev.Data, &srcs)
		fmt.Println("\n\nSources:")
		for _, s := range srcs {
			fmt.Printf("  - %s %s\n", s.Title, s.URL)
		}
	case "log":
		var l struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		}
		json.Unmarshal(ev.Data, &l)
		printError("[%s] %s", l.Level, l.Message)
	}
}

func renderWorkflow(raw json.RawMessage) {
	var w struct {
		Type string `json:"type"`
		Data struct {
			Phase   string   `json:"phase"`
			Agents  []string `json:"agents"`
			Company string   `json:"company"`
			Error   string   `json:"error"`
			Summary struct {
				Report          string `json:"report"`
				AgentsSucceeded int    `json:"agents_succeeded"`
				AgentsFailed    int    `json:"agents_failed"`
			} `json:"summary"`
		} `json:"data"`
	}
	json.Unmarshal(raw, &w)
	switch w.Type {
	case "workflow-start":
		fmt.Printf("\033[35m== research on %s started\033[0m\n", w.Data.Company)
	case "phase-start":
		fmt.Printf("\033[35m-- %s: %s\033[0m\n", w.Data.Phase, strings.Join(w.Data.Agents, ", "))
	case "phase-complete":
		fmt.Printf("\033[35m-- %s complete\033[0m\n", w.Data.Phase)
	case "workflow-error":
		printError("== workflow failed in %s: %s", w.Data.Phase, w.Data.Error)
	case "workflow-complete":
		fmt.Printf("\033[35m== complete (%d ok, %d failed)\033[0m\n\n%s\n",
			w.Data.Summary.AgentsSucceeded, w.Data.Summary.AgentsFailed, w.Data.Summary.Report)
	}
}

func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
