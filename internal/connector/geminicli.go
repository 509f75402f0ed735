package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	"github.com/matdev83/llm-interactive-proxy/internal/config"
	"github.com/matdev83/llm-interactive-proxy/internal/interfaces"
	"github.com/matdev83/llm-interactive-proxy/internal/registry"
	"github.com/matdev83/llm-interactive-proxy/internal/translator"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const defaultCodeAssistBaseURL = "https://cloudcode-pa.googleapis.com"

// Gemini CLI OAuth client registration, shared by the official CLI.
const (
	geminiCLIClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	geminiCLIClientSecret = "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"
)

// storedToken is the credentials-file shape written by the Gemini CLI login
// flow.
type storedToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Expiry       string `json:"expiry"`
}

// GeminiCLI is the OAuth connector for the Code Assist API used by the
// Gemini CLI. It reuses a token obtained out of band and enforces a daily
// request cap persisted across restarts.
type GeminiCLI struct {
	baseURL    string
	projectID  string
	models     []string
	counter    *DailyCounter
	httpClient *http.Client

	// credentialed is false when the credentials file was absent or
	// unreadable; the connector is then non-functional.
	credentialed bool
}

// NewGeminiCLI builds the connector. The base transport of httpClient is
// reused underneath the OAuth token source so proxy settings apply.
func NewGeminiCLI(cfg config.GeminiCLIConfig, httpClient *http.Client) *GeminiCLI {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultCodeAssistBaseURL
	}

	c := &GeminiCLI{
		baseURL:   baseURL,
		projectID: cfg.ProjectID,
		models:    registry.GeminiModelIDs(),
		counter:   NewDailyCounter(cfg.CounterPath, cfg.DailyLimit),
	}

	token, err := loadStoredToken(cfg.CredentialsFile)
	if err != nil {
		if cfg.CredentialsFile != "" {
			log.Warnf("gemini-cli: credentials unavailable: %v", err)
		}
		c.httpClient = httpClient
		return c
	}

	oauthCfg := &oauth2.Config{
		ClientID:     geminiCLIClientID,
		ClientSecret: geminiCLIClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"https://www.googleapis.com/auth/cloud-platform"},
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
	c.httpClient = oauth2.NewClient(ctx, oauthCfg.TokenSource(ctx, token))
	c.credentialed = true
	return c
}

func loadStoredToken(path string) (*oauth2.Token, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var stored storedToken
	if err = json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	token := &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		TokenType:    stored.TokenType,
	}
	// Zero expiry forces an immediate refresh, which is the safe default
	// for a token of unknown age.
	if stored.Expiry != "" {
		_ = json.Unmarshal([]byte(`"`+stored.Expiry+`"`), &token.Expiry)
	}
	return token, nil
}

func (c *GeminiCLI) Name() string {
	return config.BackendGeminiCLI
}

func (c *GeminiCLI) Models() []string {
	return c.models
}

// Keys returns a single synthetic key; the actual credential lives in the
// OAuth token source.
func (c *GeminiCLI) Keys() []Key {
	if !c.credentialed {
		return nil
	}
	return []Key{{Name: "oauth"}}
}

// Counter exposes the daily counter for status reporting.
func (c *GeminiCLI) Counter() *DailyCounter {
	return c.counter
}

func (c *GeminiCLI) endpoint(action string) string {
	return strings.TrimSuffix(c.baseURL, "/") + "/v1internal:" + action
}

// buildBody wraps the Gemini wire body in the Code Assist envelope.
func (c *GeminiCLI) buildBody(req *canonical.Request, model string) []byte {
	inner := translator.BuildGeminiRequestBody(req)
	out := `{}`
	out, _ = sjson.Set(out, "model", model)
	if c.projectID != "" {
		out, _ = sjson.Set(out, "project", c.projectID)
	}
	out, _ = sjson.SetRaw(out, "request", string(inner))
	return []byte(out)
}

// checkQuota consumes one unit of the daily cap.
func (c *GeminiCLI) checkQuota() error {
	ok, resetAt := c.counter.Increment()
	if ok {
		return nil
	}
	return interfaces.RateLimitedError(time.Until(resetAt), fmt.Errorf("gemini-cli: daily request limit reached"))
}

// ChatCompletions performs one unary Code Assist generateContent call.
func (c *GeminiCLI) ChatCompletions(ctx context.Context, req *canonical.Request, model string, key Key) (*canonical.Response, error) {
	if err := c.checkQuota(); err != nil {
		return nil, err
	}

	body := c.buildBody(req, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("generateContent"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	respBody, err := doRequest(c.httpClient, config.BackendGeminiCLI, httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = respBody.Close()
	}()

	raw, errRead := io.ReadAll(respBody)
	if errRead != nil {
		return nil, interfaces.NewError(interfaces.KindTransient, http.StatusBadGateway, "gemini-cli: reading response: %v", errRead)
	}
	return translator.ParseGeminiResponseBody(unwrapCodeAssist(raw), "", model, false)
}

// StreamChatCompletions performs one streaming Code Assist call.
func (c *GeminiCLI) StreamChatCompletions(ctx context.Context, req *canonical.Request, model string, key Key) (<-chan *canonical.Response, <-chan error) {
	dataChan := make(chan *canonical.Response)
	errChan := make(chan error, 1)

	go func() {
		defer close(dataChan)
		defer close(errChan)

		if err := c.checkQuota(); err != nil {
			errChan <- err
			return
		}

		body := c.buildBody(req, model)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("streamGenerateContent")+"?alt=sse", bytes.NewReader(body))
		if err != nil {
			errChan <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		stream, err := doRequest(c.httpClient, config.BackendGeminiCLI, httpReq)
		if err != nil {
			errChan <- err
			return
		}
		defer func() {
			_ = stream.Close()
		}()

		id := canonical.NewResponse(model).ID
		forwardSSEPayloads(ctx, config.BackendGeminiCLI, stream, errChan, func(payload []byte) bool {
			chunk, errParse := translator.ParseGeminiResponseBody(unwrapCodeAssist(payload), id, model, true)
			if errParse != nil {
				log.Warnf("gemini-cli: skipping malformed stream chunk: %v", errParse)
				return true
			}
			select {
			case dataChan <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	return dataChan, errChan
}

// unwrapCodeAssist strips the {"response": ...} envelope the Code Assist
// API wraps around standard generateContent payloads.
func unwrapCodeAssist(raw []byte) []byte {
	if inner := gjson.GetBytes(raw, "response"); inner.Exists() {
		return []byte(inner.Raw)
	}
	return raw
}
