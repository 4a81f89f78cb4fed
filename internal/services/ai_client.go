package services

import (
  "bytes"
  "context"
  "encoding/json"
  "errors"
  "fmt"
  "io"
  "math/rand"
  "net"
  "net/http"
  "os"
  "strconv"
  "strings"
  "time"

  "github.com/caowijzer/caowijzer-backend/internal/logger"
)

// EmbedMode distinguishes document-side from query-side embeddings; legal
// embedding models treat the two asymmetrically.
const (
  EmbedModeDocument = "document"
  EmbedModeQuery    = "query"
)

type AIClient interface {
  Embed(ctx context.Context, inputs []string, mode string) ([][]float32, error)
  GenerateJSON(ctx context.Context, system string, user string, schemaName string, schema map[string]any) (map[string]any, int, error)
  GenerateText(ctx context.Context, system string, user string) (string, error)
}

type aiClient struct {
  log        *logger.Logger
  baseURL    string
  apiKey     string
  model      string
  embedModel string
  httpClient *http.Client

  maxRetries int
}

func NewAIClient(log *logger.Logger) (AIClient, error) {
  apiKey := os.Getenv("AI_API_KEY")
  if apiKey == "" {
    return nil, fmt.Errorf("missing AI_API_KEY")
  }

  baseURL := os.Getenv("AI_BASE_URL")
  if baseURL == "" {
    baseURL = "https://api.openai.com"
  }

  model := os.Getenv("AI_MODEL")
  if model == "" {
    model = "gpt-5.2"
  }

  embed := os.Getenv("AI_EMBED_MODEL")
  if embed == "" {
    embed = "text-embedding-3-small"
  }

  // IMPORTANT: default timeout higher because structure analysis of a full
  // agreement is a long reasoning call
  timeoutSec := 180
  if v := os.Getenv("AI_TIMEOUT_SECONDS"); v != "" {
    if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
      timeoutSec = parsed
    }
  }

  maxRetries := 4
  if v := os.Getenv("AI_MAX_RETRIES"); v != "" {
    if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
      maxRetries = parsed
    }
  }

  return &aiClient{
    log:        log.With("service", "AIClient"),
    baseURL:    baseURL,
    apiKey:     apiKey,
    model:      model,
    embedModel: embed,
    httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
    maxRetries: maxRetries,
  }, nil
}

type aiHTTPError struct {
  StatusCode int
  Body       string
}

func (e *aiHTTPError) Error() string {
  return fmt.Sprintf("ai http %d: %s", e.StatusCode, e.Body)
}

func isRetryableHTTP(code int) bool {
  if code == 408 || code == 429 {
    return true
  }
  if code >= 500 && code <= 599 {
    return true
  }
  return false
}

func isRetryableErr(err error) bool {
  if err == nil {
    return false
  }
  if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
    // if caller canceled, don't retry; if it's our timeout, we will retry anyway.
    // We can only distinguish reliably by checking ctx, which we do in call loop.
    return true
  }
  var netErr net.Error
  if errors.As(err, &netErr) {
    if netErr.Timeout() || netErr.Temporary() {
      return true
    }
  }
  var httpErr *aiHTTPError
  if errors.As(err, &httpErr) {
    return isRetryableHTTP(httpErr.StatusCode)
  }
  return false
}

func jitterSleep(base time.Duration) time.Duration {
  // +/- 20%
  if base <= 0 {
    return 0
  }
  j := 0.2
  delta := base.Seconds() * j
  low := base.Seconds() - delta
  high := base.Seconds() + delta
  if low < 0 {
    low = 0
  }
  v := low + rand.Float64()*(high-low)
  return time.Duration(v * float64(time.Second))
}

func (c *aiClient) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
  var buf bytes.Buffer
  if body != nil {
    if err := json.NewEncoder(&buf).Encode(body); err != nil {
      return nil, nil, err
    }
  }

  req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
  if err != nil {
    return nil, nil, err
  }
  req.Header.Set("Authorization", "Bearer "+c.apiKey)
  req.Header.Set("Content-Type", "application/json")

  resp, err := c.httpClient.Do(req)
  if err != nil {
    return nil, nil, err
  }

  raw, readErr := io.ReadAll(resp.Body)
  _ = resp.Body.Close()
  if readErr != nil {
    return resp, nil, readErr
  }

  if resp.StatusCode < 200 || resp.StatusCode >= 300 {
    return resp, raw, &aiHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
  }
  return resp, raw, nil
}

func (c *aiClient) do(ctx context.Context, method, path string, body any, out any) error {
  // exponential backoff: 1s, 2s, 4s, 8s (cap ~10s)
  backoff := 1 * time.Second

  for attempt := 0; attempt <= c.maxRetries; attempt++ {
    if ctx.Err() != nil {
      return ctx.Err()
    }

    resp, raw, err := c.doOnce(ctx, method, path, body)
    if err == nil {
      if out == nil {
        return nil
      }
      if uErr := json.Unmarshal(raw, out); uErr != nil {
        return fmt.Errorf("ai decode error: %w; raw=%s", uErr, string(raw))
      }
      return nil
    }

    // If non-retryable: fail immediately
    if !isRetryableErr(err) {
      return err
    }

    // If we've exhausted retries: return last error
    if attempt == c.maxRetries {
      return err
    }

    // Respect Retry-After when present
    sleepFor := backoff
    if resp != nil {
      ra := strings.TrimSpace(resp.Header.Get("Retry-After"))
      if ra != "" {
        if secs, parseErr := strconv.Atoi(ra); parseErr == nil && secs > 0 {
          sleepFor = time.Duration(secs) * time.Second
        }
      }
    }

    // Cap + jitter
    if sleepFor > 10*time.Second {
      sleepFor = 10 * time.Second
    }
    sleepFor = jitterSleep(sleepFor)

    c.log.Warn("AI request retrying",
      "path", path,
      "attempt", attempt+1,
      "max_retries", c.maxRetries,
      "sleep", sleepFor.String(),
      "error", err.Error(),
    )

    time.Sleep(sleepFor)
    backoff *= 2
  }

  return fmt.Errorf("unreachable retry loop")
}

// ---- Embeddings ----

type embeddingsRequest struct {
  Model     string   `json:"model"`
  Input     []string `json:"input"`
  InputType string   `json:"input_type,omitempty"`
}

type embeddingsResponse struct {
  Data []struct {
    Embedding []float64 `json:"embedding"`
    Index     int       `json:"index"`
  } `json:"data"`
}

func (c *aiClient) Embed(ctx context.Context, inputs []string, mode string) ([][]float32, error) {
  if len(inputs) == 0 {
    return [][]float32{}, nil
  }
  req := embeddingsRequest{
    Model:     c.embedModel,
    Input:     inputs,
    InputType: mode,
  }
  var resp embeddingsResponse
  if err := c.do(ctx, "POST", "/v1/embeddings", req, &resp); err != nil {
    return nil, err
  }
  out := make([][]float32, len(inputs))
  for _, d := range resp.Data {
    vec := make([]float32, len(d.Embedding))
    for i, f := range d.Embedding {
      vec[i] = float32(f)
    }
    if d.Index >= 0 && d.Index < len(out) {
      out[d.Index] = vec
    }
  }
  for i := range out {
    if out[i] == nil {
      return nil, fmt.Errorf("missing embedding for index %d", i)
    }
  }
  return out, nil
}

// ---- Responses (Structured Outputs via text.format json_schema) ----

type responsesRequest struct {
  Model string `json:"model"`
  Input []struct {
    Role    string `json:"role"`
    Content string `json:"content"`
  } `json:"input"`
  Text struct {
    Format map[string]any `json:"format,omitempty"`
  } `json:"text"`
  Temperature float64 `json:"temperature,omitempty"`
}

type responsesResponse struct {
  Output []struct {
    Type    string `json:"type"`
    Role    string `json:"role,omitempty"`
    Content []struct {
      Type string `json:"type"`
      Text string `json:"text,omitempty"`
    } `json:"content,omitempty"`
  } `json:"output"`
  Usage struct {
    TotalTokens int `json:"total_tokens"`
  } `json:"usage"`
  Refusal string `json:"refusal,omitempty"`
}

func (c *aiClient) generate(ctx context.Context, system, user string, format map[string]any) (string, int, error) {
  req := responsesRequest{
    Model: c.model,
    Input: []struct {
      Role    string `json:"role"`
      Content string `json:"content"`
    }{
      {Role: "system", Content: system},
      {Role: "user", Content: user},
    },
    Temperature: 0.2,
  }
  req.Text.Format = format

  var resp responsesResponse
  if err := c.do(ctx, "POST", "/v1/responses", req, &resp); err != nil {
    return "", 0, err
  }
  if resp.Refusal != "" {
    return "", resp.Usage.TotalTokens, fmt.Errorf("model refused: %s", resp.Refusal)
  }

  var text string
  for _, item := range resp.Output {
    if item.Type == "message" && item.Role == "assistant" {
      for _, part := range item.Content {
        if part.Type == "output_text" && part.Text != "" {
          text += part.Text
        }
      }
    }
  }
  if text == "" {
    return "", resp.Usage.TotalTokens, fmt.Errorf("no output_text found in response")
  }
  return text, resp.Usage.TotalTokens, nil
}

func (c *aiClient) GenerateJSON(ctx context.Context, system string, user string, schemaName string, schema map[string]any) (map[string]any, int, error) {
  if schemaName == "" {
    return nil, 0, errors.New("schemaName required")
  }
  if schema == nil {
    return nil, 0, errors.New("schema required")
  }

  format := map[string]any{
    "type":   "json_schema",
    "name":   schemaName,
    "schema": schema,
    "strict": true,
  }
  text, tokens, err := c.generate(ctx, system, user, format)
  if err != nil {
    return nil, tokens, err
  }

  // Some providers wrap the JSON in prose even under a schema constraint.
  obj, err := extractFirstJSONObject(text)
  if err != nil {
    return nil, tokens, fmt.Errorf("failed to parse model JSON: %w; text=%s", err, text)
  }
  return obj, tokens, nil
}

func (c *aiClient) GenerateText(ctx context.Context, system string, user string) (string, error) {
  text, _, err := c.generate(ctx, system, user, nil)
  return text, err
}

// extractFirstJSONObject returns the first balanced top-level JSON object in
// s, tolerating surrounding prose.
func extractFirstJSONObject(s string) (map[string]any, error) {
  start := strings.IndexByte(s, '{')
  if start < 0 {
    return nil, fmt.Errorf("no JSON object found")
  }
  inString := false
  escaped := false
  depth := 0
  for i := start; i < len(s); i++ {
    ch := s[i]
    if inString {
      if escaped {
        escaped = false
      } else if ch == '\\' {
        escaped = true
      } else if ch == '"' {
        inString = false
      }
      continue
    }
    switch ch {
    case '"':
      inString = true
    case '{':
      depth++
    case '}':
      depth--
      if depth == 0 {
        var obj map[string]any
        if err := json.Unmarshal([]byte(s[start:i+1]), &obj); err != nil {
          return nil, err
        }
        return obj, nil
      }
    }
  }
  return nil, fmt.Errorf("unbalanced JSON object")
}
