package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"

	"captionai/internal/captions"
	"captionai/internal/chat"
	"captionai/internal/locator"
	"captionai/internal/media"
	"captionai/internal/models"
	"captionai/internal/pipeline"
	"captionai/internal/session"
)

func TestHealthz(t *testing.T) {
	env := newTestServer(t, Options{})
	resp := doJSONRequest(t, env.router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	if resp.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestLocatorRoundTrip(t *testing.T) {
	env := newTestServer(t, Options{})

	unset := doJSONRequest(t, env.router, http.MethodGet, "/api/caption", nil, nil)
	assertStatus(t, unset, http.StatusNotFound)
	var unsetBody struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	decodeJSON(t, unset.Body.Bytes(), &unsetBody)
	if unsetBody.Success || unsetBody.Error == "" {
		t.Fatalf("unexpected body for unset locator: %s", unset.Body.String())
	}

	const backend = "http://10.0.0.7:8000/"
	set := doJSONRequest(t, env.router, http.MethodPost, "/api/caption", map[string]string{"url": backend}, nil)
	assertStatus(t, set, http.StatusOK)
	var setBody struct {
		Success bool   `json:"success"`
		URL     string `json:"url"`
	}
	decodeJSON(t, set.Body.Bytes(), &setBody)
	if !setBody.Success || setBody.URL != backend {
		t.Fatalf("unexpected set response: %s", set.Body.String())
	}

	get := doJSONRequest(t, env.router, http.MethodGet, "/api/caption", nil, nil)
	assertStatus(t, get, http.StatusOK)
	decodeJSON(t, get.Body.Bytes(), &setBody)
	if setBody.URL != backend {
		t.Fatalf("expected %q back, got %q", backend, setBody.URL)
	}

	// last write wins
	doJSONRequest(t, env.router, http.MethodPost, "/api/caption", map[string]string{"url": "http://other"}, nil)
	get = doJSONRequest(t, env.router, http.MethodGet, "/api/caption", nil, nil)
	decodeJSON(t, get.Body.Bytes(), &setBody)
	if setBody.URL != "http://other" {
		t.Fatalf("expected overwritten url, got %q", setBody.URL)
	}
}

func TestSetLocatorValidation(t *testing.T) {
	env := newTestServer(t, Options{})
	cases := []struct {
		name string
		body string
	}{
		{name: "missing url", body: `{}`},
		{name: "number", body: `{"url": 42}`},
		{name: "null", body: `{"url": null}`},
		{name: "blank", body: `{"url": "   "}`},
		{name: "not json", body: `url=http://host`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/caption", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			env.router.ServeHTTP(rec, req)
			assertStatus(t, rec, http.StatusBadRequest)
		})
	}
	if _, ok, _ := env.store.Lookup(context.Background()); ok {
		t.Fatalf("invalid bodies must not store a url")
	}
}

func TestMockCaptionValidation(t *testing.T) {
	env := newTestServer(t, Options{Limits: media.Limits{Video: 1 << 20, Image: 1 << 20}})
	cases := []struct {
		name      string
		field     string
		mime      string
		size      int
		wantError string
	}{
		{name: "no file", field: "attachment", mime: "video/mp4", size: 10, wantError: "No video file provided"},
		{name: "wrong type", field: "video", mime: "image/png", size: 10, wantError: "Invalid file type. Please upload a video file."},
		{name: "too large", field: "video", mime: "video/mp4", size: 2 << 20, wantError: "File too large. Maximum size is 1MB."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doMultipart(t, env.router, "/api/caption", tc.field, "clip.mp4", tc.mime, bytes.Repeat([]byte{1}, tc.size))
			assertStatus(t, resp, http.StatusBadRequest)
			var body struct {
				Error string `json:"error"`
			}
			decodeJSON(t, resp.Body.Bytes(), &body)
			if body.Error != tc.wantError {
				t.Fatalf("expected error %q, got %q", tc.wantError, body.Error)
			}
		})
	}
}

func TestMockCaptionSuccess(t *testing.T) {
	env := newTestServer(t, Options{SimulateProcessing: true})
	var slept time.Duration
	env.handler.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	content := bytes.Repeat([]byte{7}, 2<<20)
	resp := doMultipart(t, env.router, "/api/caption", "video", "talk.mp4", "video/mp4", content)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Success bool            `json:"success"`
		Message string          `json:"message"`
		Data    captions.Result `json:"data"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if !body.Success || body.Message != `Captions generated successfully for "talk.mp4"` {
		t.Fatalf("unexpected response: %s", resp.Body.String())
	}
	if body.Data.CaptionCount != 4 || body.Data.FileSize != int64(len(content)) || body.Data.Language != "en-US" {
		t.Fatalf("unexpected data: %+v", body.Data)
	}
	if !strings.HasPrefix(body.Data.Formats.SRT, "1\n00:00:01,000 --> 00:00:05,000\n") {
		t.Fatalf("unexpected srt: %q", body.Data.Formats.SRT)
	}
	if want := captions.ProcessingDelay(int64(len(content))); slept != want {
		t.Fatalf("expected simulated delay %v, got %v", want, slept)
	}
}

func TestDownloadCaptions(t *testing.T) {
	env := newTestServer(t, Options{})

	srt := doJSONRequest(t, env.router, http.MethodGet, "/api/caption/formats/srt", nil, nil)
	assertStatus(t, srt, http.StatusOK)
	if got := srt.Header().Get("Content-Disposition"); got != `attachment; filename="captions.srt"` {
		t.Fatalf("unexpected disposition %q", got)
	}
	if srt.Body.String() != captions.FormatSRT(captions.Fixture()) {
		t.Fatalf("unexpected srt body: %q", srt.Body.String())
	}

	vtt := doJSONRequest(t, env.router, http.MethodGet, "/api/caption/formats/vtt", nil, nil)
	assertStatus(t, vtt, http.StatusOK)
	if !strings.HasPrefix(vtt.Body.String(), "WEBVTT\n\n00:00:01.000 --> 00:00:05.000\n") {
		t.Fatalf("unexpected vtt body: %q", vtt.Body.String())
	}

	js := doJSONRequest(t, env.router, http.MethodGet, "/api/caption/formats/json", nil, nil)
	assertStatus(t, js, http.StatusOK)
	var caps []captions.Caption
	decodeJSON(t, js.Body.Bytes(), &caps)
	if len(caps) != 4 {
		t.Fatalf("expected 4 captions, got %d", len(caps))
	}

	bad := doJSONRequest(t, env.router, http.MethodGet, "/api/caption/formats/docx", nil, nil)
	assertStatus(t, bad, http.StatusBadRequest)
}

func TestGeminiRoute(t *testing.T) {
	env := newTestServer(t, Options{})

	for _, body := range []map[string]string{
		{"mode": "video"},
		{"prompt": "hello"},
		{"prompt": "hello", "mode": "audio"},
	} {
		resp := doJSONRequest(t, env.router, http.MethodPost, "/api/gemini", body, nil)
		assertStatus(t, resp, http.StatusBadRequest)
	}
	if env.gen.calls != 0 {
		t.Fatalf("invalid requests must not reach the model")
	}

	resp := doJSONRequest(t, env.router, http.MethodPost, "/api/gemini", map[string]string{
		"prompt":  "What is said?",
		"caption": "Video Motion: M\nAudio Transcript: T",
		"mode":    "video",
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Response string `json:"response"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Response != "mock answer" {
		t.Fatalf("unexpected response %q", body.Response)
	}
	if !strings.Contains(env.gen.lastPrompt, "video caption: Video Motion: M\nAudio Transcript: T") {
		t.Fatalf("caption missing from prompt: %q", env.gen.lastPrompt)
	}
}

func TestGeminiRouteProviderFailure(t *testing.T) {
	env := newTestServer(t, Options{})
	env.gen.err = errors.New("quota exceeded")

	resp := doJSONRequest(t, env.router, http.MethodPost, "/api/gemini", map[string]string{
		"prompt": "hi", "mode": "image",
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Response string `json:"response"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Response != chat.ErrorMarker+"quota exceeded" {
		t.Fatalf("unexpected response %q", body.Response)
	}
}

func TestGeminiRouteWithoutKey(t *testing.T) {
	env := newTestServer(t, Options{})
	env.handler.relay = chat.NewRelay(nil)

	resp := doJSONRequest(t, env.router, http.MethodPost, "/api/gemini", map[string]string{
		"prompt": "hi", "mode": "video",
	}, nil)
	assertStatus(t, resp, http.StatusInternalServerError)
	var body struct {
		Error string `json:"error"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Error != internalErrorMessage {
		t.Fatalf("expected generic message, got %q", body.Error)
	}
}

func TestSessionVideoFlow(t *testing.T) {
	env := newTestServer(t, Options{})
	var uploaded atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/upload":
			file, header, err := r.FormFile("file")
			if err != nil {
				http.Error(w, "no file", http.StatusBadRequest)
				return
			}
			n, _ := io.Copy(io.Discard, file)
			file.Close()
			if header.Filename != "clip.mp4" {
				http.Error(w, "bad name", http.StatusBadRequest)
				return
			}
			uploaded.Store(n)
			io.WriteString(w, `{"path":"abc"}`)
		case "/image_process":
			if r.URL.Query().Get("video_path") != "abc" {
				http.Error(w, "bad path", http.StatusBadRequest)
				return
			}
			io.WriteString(w, `{"ic":"A","od":"B"}`)
		case "/video_process":
			if r.URL.Query().Get("video_path") != "abc" {
				http.Error(w, "bad path", http.StatusBadRequest)
				return
			}
			io.WriteString(w, `{"video_motion":"M","transcript":"T"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer backend.Close()

	set := doJSONRequest(t, env.router, http.MethodPost, "/api/caption", map[string]string{"url": backend.URL}, nil)
	assertStatus(t, set, http.StatusOK)

	content := bytes.Repeat([]byte{3}, 1<<20)
	resp := doMultipart(t, env.router, "/api/sessions/demo/video/generate", "file", "clip.mp4", "video/mp4", content)
	assertStatus(t, resp, http.StatusOK)
	var gen struct {
		Caption string      `json:"caption"`
		Context string      `json:"context"`
		Turn    models.Turn `json:"turn"`
	}
	decodeJSON(t, resp.Body.Bytes(), &gen)
	if gen.Caption != "Video Motion: M\nAudio Transcript: T" {
		t.Fatalf("unexpected caption %q", gen.Caption)
	}
	if gen.Context != "Key Frames caption: A\nObject Detection: B" {
		t.Fatalf("unexpected context %q", gen.Context)
	}
	if got := uploaded.Load(); got != int64(len(content)) {
		t.Fatalf("backend received %d bytes, want %d", got, len(content))
	}

	msg := doJSONRequest(t, env.router, http.MethodPost, "/api/sessions/demo/video/messages", map[string]string{
		"prompt": "Who is speaking?",
	}, nil)
	assertStatus(t, msg, http.StatusOK)
	var msgBody struct {
		User      models.Turn `json:"user"`
		Assistant models.Turn `json:"assistant"`
	}
	decodeJSON(t, msg.Body.Bytes(), &msgBody)
	if msgBody.Assistant.Content != "mock answer" || msgBody.Assistant.Pending {
		t.Fatalf("unexpected assistant turn: %+v", msgBody.Assistant)
	}
	if !strings.Contains(env.gen.lastPrompt, "video context: Key Frames caption: A\nObject Detection: B") {
		t.Fatalf("bundle context missing from prompt: %q", env.gen.lastPrompt)
	}

	turns := listTurns(t, env.router, "/api/sessions/demo/video/turns")
	if len(turns) != 4 {
		t.Fatalf("expected greeting, caption, question and answer; got %d turns", len(turns))
	}
	if turns[1].ID != gen.Turn.ID || turns[2].Role != models.RoleUser || turns[3].Role != models.RoleAssistant {
		t.Fatalf("unexpected transcript order: %+v", turns)
	}

	// the image transcript is untouched
	if image := listTurns(t, env.router, "/api/sessions/demo/image/turns"); len(image) != 1 {
		t.Fatalf("expected only the image greeting, got %d turns", len(image))
	}
}

func TestSessionImageFlow(t *testing.T) {
	env := newTestServer(t, Options{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/caption/img" {
			http.NotFound(w, r)
			return
		}
		if _, _, err := r.FormFile("image"); err != nil {
			http.Error(w, "no image", http.StatusBadRequest)
			return
		}
		io.WriteString(w, `"a red bicycle against a wall"`)
	}))
	defer backend.Close()
	if err := env.store.Set(context.Background(), backend.URL); err != nil {
		t.Fatalf("set locator: %v", err)
	}

	resp := doMultipart(t, env.router, "/api/sessions/pics/image/generate", "file", "bike.png", "image/png", []byte("png"))
	assertStatus(t, resp, http.StatusOK)
	var gen struct {
		Caption string `json:"caption"`
		Context string `json:"context"`
	}
	decodeJSON(t, resp.Body.Bytes(), &gen)
	if gen.Caption != "a red bicycle against a wall" || gen.Context != "" {
		t.Fatalf("unexpected image bundle: %+v", gen)
	}
}

func TestSessionGenerateFailures(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer failing.Close()
	malformed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"location":"abc"}`)
	}))
	defer malformed.Close()

	cases := []struct {
		name    string
		locator string
		mime    string
		want    int
	}{
		{name: "locator unset", want: http.StatusFailedDependency, mime: "video/mp4"},
		{name: "upstream error", locator: failing.URL, want: http.StatusBadGateway, mime: "video/mp4"},
		{name: "malformed response", locator: malformed.URL, want: http.StatusBadGateway, mime: "video/mp4"},
		{name: "wrong media type", locator: failing.URL, want: http.StatusBadRequest, mime: "text/plain"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestServer(t, Options{})
			if tc.locator != "" {
				if err := env.store.Set(context.Background(), tc.locator); err != nil {
					t.Fatalf("set locator: %v", err)
				}
			}
			resp := doMultipart(t, env.router, "/api/sessions/s1/video/generate", "file", "clip.mp4", tc.mime, []byte("data"))
			assertStatus(t, resp, tc.want)
			var body struct {
				Error string      `json:"error"`
				Turn  models.Turn `json:"turn"`
			}
			decodeJSON(t, resp.Body.Bytes(), &body)
			if body.Error == "" || body.Turn.Content != generateFailedText {
				t.Fatalf("unexpected failure body: %s", resp.Body.String())
			}
			turns := listTurns(t, env.router, "/api/sessions/s1/video/turns")
			if len(turns) != 2 || turns[1].Content != generateFailedText {
				t.Fatalf("expected the error turn after the greeting, got %+v", turns)
			}
			// a failed run leaves no bundle behind
			s, err := env.sessions.Get(context.Background(), "s1")
			if err != nil {
				t.Fatalf("get session: %v", err)
			}
			if _, ok := s.Bundle(media.KindVideo); ok {
				t.Fatalf("failed run must not store a bundle")
			}
		})
	}
}

func TestSessionGenerateRejectsOverlappingRun(t *testing.T) {
	env := newTestServer(t, Options{})
	s, err := env.sessions.Get(context.Background(), "busy")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	release, err := s.Begin(media.KindVideo)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	resp := doMultipart(t, env.router, "/api/sessions/busy/video/generate", "file", "clip.mp4", "video/mp4", []byte("data"))
	assertStatus(t, resp, http.StatusConflict)

	release()
	resp = doMultipart(t, env.router, "/api/sessions/busy/video/generate", "file", "clip.mp4", "video/mp4", []byte("data"))
	assertStatus(t, resp, http.StatusFailedDependency)
}

func TestSessionRouteValidation(t *testing.T) {
	env := newTestServer(t, Options{})

	assertStatus(t, doJSONRequest(t, env.router, http.MethodGet, "/api/sessions/s1/audio/turns", nil, nil), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, env.router, http.MethodGet, "/api/sessions/a.b/video/turns", nil, nil), http.StatusBadRequest)
	assertStatus(t, doMultipart(t, env.router, "/api/sessions/s1/video/generate", "other", "clip.mp4", "video/mp4", []byte("x")), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, env.router, http.MethodPost, "/api/sessions/s1/video/messages", map[string]string{"prompt": " "}, nil), http.StatusBadRequest)
}

func TestSessionMessageWithoutKey(t *testing.T) {
	env := newTestServer(t, Options{})
	env.handler.relay = chat.NewRelay(nil)

	resp := doJSONRequest(t, env.router, http.MethodPost, "/api/sessions/nokey/image/messages", map[string]string{"prompt": "hi"}, nil)
	assertStatus(t, resp, http.StatusInternalServerError)

	turns := listTurns(t, env.router, "/api/sessions/nokey/image/turns")
	if len(turns) != 3 || turns[2].Content != chatFailedText || turns[2].Pending {
		t.Fatalf("expected the pending turn to be resolved with an error text, got %+v", turns)
	}
}

type testEnv struct {
	router   *gin.Engine
	handler  *Handler
	store    *locator.MemoryStore
	sessions *session.Manager
	gen      *fakeGenerator
}

func newTestServer(t *testing.T, opts Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := locator.NewMemoryStore()
	runner := pipeline.New(media.NewClient(store, nil), media.DefaultLimits, func(context.Context, pipeline.State, error) {})
	gen := &fakeGenerator{reply: "mock answer"}
	sessions := session.NewManager(nil, 0)
	handler := NewHandler(store, runner, chat.NewRelay(gen), sessions, opts)

	router := gin.New()
	handler.RegisterRoutes(router)
	return &testEnv{router: router, handler: handler, store: store, sessions: sessions, gen: gen}
}

type fakeGenerator struct {
	reply      string
	err        error
	calls      int
	lastPrompt string
}

func (f *fakeGenerator) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.calls++
	if n := len(input); n > 0 {
		f.lastPrompt = input[n-1].Content
	}
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doMultipart(t *testing.T, router *gin.Engine, path, field, filename, contentType string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func listTurns(t *testing.T, router *gin.Engine, path string) []models.Turn {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodGet, path, nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Turns []models.Turn `json:"turns"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	return body.Turns
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
