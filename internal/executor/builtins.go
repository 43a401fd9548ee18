package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	gocache "github.com/patrickmn/go-cache"

	"finger/internal/action"
)

// Names of the primitive actions every executor agent starts from.
const (
	ActionWriteFile  = "WRITE_FILE"
	ActionReadFile   = "READ_FILE"
	ActionRunCommand = "RUN_COMMAND"
	ActionFetchPage  = "FETCH_PAGE"
	ActionComplete   = "COMPLETE"
	ActionFail       = "FAIL"
)

const (
	maxReadChars  = 12000
	maxFetchChars = 15000
	maxFetchBytes = 2 << 20

	defaultCommandTimeout = 60 * time.Second
)

// fetchClient and fetchCache are shared across executors so repeated fetches
// inside one epic reuse connections and hit the cache.
var (
	fetchClient = &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			return nil
		},
	}
	fetchCache = gocache.New(15*time.Minute, 5*time.Minute)
)

// Builtins returns the primitive action set: file IO, shell, web fetch, and
// the two terminal verdicts.
func Builtins() []action.Action {
	return []action.Action{
		writeFileAction(),
		readFileAction(),
		runCommandAction(),
		fetchPageAction(),
		completeAction(),
		failAction(),
	}
}

// RegisterBuiltins adds every primitive action to reg.
func RegisterBuiltins(reg *action.Registry) error {
	for _, a := range Builtins() {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAction() action.Action {
	return action.Action{
		Name:        ActionWriteFile,
		Description: "Write content to a file, creating parent directories as needed",
		Schema: action.ObjectSchema(map[string]action.Property{
			"path":    {Type: "string", Description: "Target path; relative paths resolve against the task workdir"},
			"content": {Type: "string", Description: "Full file content"},
		}, "path", "content"),
		Handler: func(_ context.Context, params map[string]any, scope action.Scope) action.Result {
			path, _ := action.String(params, "path")
			content, _ := action.String(params, "content")
			if strings.TrimSpace(path) == "" {
				return action.Failure("path is empty")
			}
			full := resolvePath(scope, path)
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return action.Failure(fmt.Sprintf("create parent directory: %v", err))
			}
			if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
				return action.Failure(fmt.Sprintf("write file: %v", err))
			}
			res := action.Success(fmt.Sprintf("wrote %d bytes to %s", len(content), full))
			res.Data = map[string]any{"path": full, "bytes": len(content)}
			return res
		},
	}
}

func readFileAction() action.Action {
	return action.Action{
		Name:        ActionReadFile,
		Description: "Read a file and return its content",
		Schema: action.ObjectSchema(map[string]action.Property{
			"path": {Type: "string", Description: "Path to read; relative paths resolve against the task workdir"},
		}, "path"),
		Handler: func(_ context.Context, params map[string]any, scope action.Scope) action.Result {
			path, _ := action.String(params, "path")
			if strings.TrimSpace(path) == "" {
				return action.Failure("path is empty")
			}
			full := resolvePath(scope, path)
			data, err := os.ReadFile(full)
			if err != nil {
				return action.Failure(fmt.Sprintf("read file: %v", err))
			}
			res := action.Success(capText(string(data), maxReadChars))
			res.Data = map[string]any{"path": full, "bytes": len(data)}
			return res
		},
	}
}

func runCommandAction() action.Action {
	return action.Action{
		Name:        ActionRunCommand,
		Description: "Run a shell command and return its combined output",
		Schema: action.ObjectSchema(map[string]action.Property{
			"command":   {Type: "string", Description: "Shell command; runs in the task workdir"},
			"timeoutMs": {Type: "number", Description: "Optional timeout in milliseconds"},
		}, "command"),
		Handler: runCommand,
	}
}

// runCommand writes the command to a temp script and hands it to sh, so
// multi-line commands, pipes, and quoting behave as typed.
func runCommand(ctx context.Context, params map[string]any, scope action.Scope) action.Result {
	command, _ := action.String(params, "command")
	if strings.TrimSpace(command) == "" {
		return action.Failure("command is empty")
	}
	timeout := defaultCommandTimeout
	if ms, ok := action.Number(params, "timeoutMs"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	script, err := os.CreateTemp("", "finger-cmd-*.sh")
	if err != nil {
		return action.Failure(fmt.Sprintf("create command script: %v", err))
	}
	defer func() { _ = os.Remove(script.Name()) }()
	if _, err := script.WriteString(command); err != nil {
		_ = script.Close()
		return action.Failure(fmt.Sprintf("write command script: %v", err))
	}
	if err := script.Close(); err != nil {
		return action.Failure(fmt.Sprintf("close command script: %v", err))
	}

	cmd := exec.CommandContext(cctx, "sh", script.Name())
	if scope.WorkDir != "" {
		cmd.Dir = scope.WorkDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Grandchildren may hold the output pipes open after a kill.
	cmd.WaitDelay = 2 * time.Second

	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		exitCode = -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	text := strings.TrimSpace(stdout.String())
	if text == "" {
		text = strings.TrimSpace(stderr.String())
	} else if stderr.Len() > 0 {
		text = text + "\n" + strings.TrimSpace(stderr.String())
	}
	if text == "" {
		if runErr != nil {
			text = fmt.Sprintf("exit code %d (no output)", exitCode)
		} else {
			text = "command completed with no output"
		}
	}
	text = capText(text, maxReadChars)

	data := map[string]any{
		"command":  command,
		"exitCode": exitCode,
		"stdout":   stdout.String(),
		"stderr":   stderr.String(),
	}
	if runErr != nil {
		res := action.Failure(text)
		res.Data = data
		return res
	}
	res := action.Success(text)
	res.Data = data
	return res
}

func fetchPageAction() action.Action {
	return action.Action{
		Name:        ActionFetchPage,
		Description: "Fetch a web page and return its readable text",
		Schema: action.ObjectSchema(map[string]action.Property{
			"url": {Type: "string", Description: "Full URL to fetch (http or https)"},
		}, "url"),
		Handler: fetchPage,
	}
}

type fetchedPage struct {
	URL     string
	Content string
}

func fetchPage(ctx context.Context, params map[string]any, _ action.Scope) action.Result {
	urlStr, _ := action.String(params, "url")
	parsed, err := neturl.Parse(strings.TrimSpace(urlStr))
	if err != nil {
		return action.Failure(fmt.Sprintf("invalid url: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return action.Failure("url must use http or https")
	}
	urlStr = parsed.String()

	if cached, ok := fetchCache.Get(urlStr); ok {
		return pageResult(cached.(fetchedPage), true)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return action.Failure(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("User-Agent", "finger-agent/1.0")

	resp, err := fetchClient.Do(req)
	if err != nil {
		return action.Failure(fmt.Sprintf("fetch %s: %v", urlStr, err))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return action.Failure(fmt.Sprintf("HTTP %d fetching %s", resp.StatusCode, urlStr))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return action.Failure(fmt.Sprintf("read response: %v", err))
	}

	content, err := htmlToText(string(body))
	if err != nil {
		return action.Failure(fmt.Sprintf("parse html: %v", err))
	}
	page := fetchedPage{URL: resp.Request.URL.String(), Content: content}
	fetchCache.SetDefault(urlStr, page)
	return pageResult(page, false)
}

func pageResult(page fetchedPage, cached bool) action.Result {
	header := "Source: " + page.URL
	if cached {
		header += " (cached)"
	}
	res := action.Success(header + "\n\n" + page.Content)
	res.Data = map[string]any{"url": page.URL, "cached": cached, "contentChars": len(page.Content)}
	return res
}

// htmlToText strips noise elements and flattens the page into markdown-like
// text: title and headings first, then paragraph blocks and list items.
func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, nav, footer, header, aside, iframe").Remove()

	var content strings.Builder
	if title := strings.TrimSpace(doc.Find("title").Text()); title != "" {
		content.WriteString("# " + title + "\n\n")
	}
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		level := int(s.Get(0).Data[1] - '0')
		content.WriteString(strings.Repeat("#", level) + " " + text + "\n\n")
	})
	doc.Find("p, article, section").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); len(text) > 30 {
			content.WriteString(text + "\n\n")
		}
	})
	doc.Find("ul, ol").Each(func(_ int, s *goquery.Selection) {
		s.Find("li").Each(func(_ int, li *goquery.Selection) {
			if text := strings.TrimSpace(li.Text()); text != "" {
				content.WriteString("- " + text + "\n")
			}
		})
		content.WriteString("\n")
	})

	return capText(content.String(), maxFetchChars), nil
}

func completeAction() action.Action {
	return action.Action{
		Name:        ActionComplete,
		Description: "Declare the task finished and report the result",
		Schema: action.ObjectSchema(map[string]action.Property{
			"result": {Type: "string", Description: "What was accomplished"},
		}),
		Handler: func(_ context.Context, params map[string]any, _ action.Scope) action.Result {
			result, _ := action.String(params, "result")
			if strings.TrimSpace(result) == "" {
				result = "task complete"
			}
			res := action.Success(result)
			res.ShouldStop = true
			res.StopReason = action.StopComplete
			return res
		},
	}
}

func failAction() action.Action {
	return action.Action{
		Name:        ActionFail,
		Description: "Give up on the task and report why",
		Schema: action.ObjectSchema(map[string]action.Property{
			"reason": {Type: "string", Description: "Why the task cannot be finished"},
		}),
		Handler: func(_ context.Context, params map[string]any, _ action.Scope) action.Result {
			reason, _ := action.String(params, "reason")
			if strings.TrimSpace(reason) == "" {
				reason = "task failed"
			}
			res := action.Failure(reason)
			res.ShouldStop = true
			res.StopReason = action.StopFail
			return res
		},
	}
}

// resolvePath anchors relative paths at the task workdir.
func resolvePath(scope action.Scope, path string) string {
	if filepath.IsAbs(path) || scope.WorkDir == "" {
		return path
	}
	return filepath.Join(scope.WorkDir, path)
}

func capText(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "\n[truncated]"
}
