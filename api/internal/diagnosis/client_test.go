package diagnosis

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

type fakeModel struct {
	resp  *genai.GenerateContentResponse
	err   error
	wait  bool
	parts []genai.Part
}

func (f *fakeModel) GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	f.parts = parts
	if f.wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.resp, f.err
}

type recorder struct {
	calls    atomic.Int32
	released atomic.Int32
	model    string
	gc       genai.GenerationConfig
}

func (r *recorder) factory(m *fakeModel) ModelFactory {
	return func(_ context.Context, _ string, model string, gc genai.GenerationConfig) (Generator, func() error, error) {
		r.calls.Add(1)
		r.model = model
		r.gc = gc
		return m, func() error { r.released.Add(1); return nil }, nil
	}
}

func textResponse(s string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(s)}},
		}},
	}
}

var leafImage = EncodedImage{
	Data:     base64.StdEncoding.EncodeToString([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}),
	MIMEType: "image/jpeg",
}

func TestAnalyze_MissingKeyMakesNoCall(t *testing.T) {
	rec := &recorder{}
	c := New(Config{APIKey: "  "}, WithModelFactory(rec.factory(&fakeModel{})))

	got, err := c.Analyze(context.Background(), leafImage)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Equal(t, AnalysisResult{}, got)
	assert.EqualValues(t, 0, rec.calls.Load())
}

func TestAnalyze_Success(t *testing.T) {
	rec := &recorder{}
	m := &fakeModel{resp: textResponse("```json\n" + blightJSON + "\n```")}
	c := New(Config{APIKey: "k"}, WithModelFactory(rec.factory(m)))

	got, err := c.Analyze(context.Background(), leafImage)
	require.NoError(t, err)
	assert.Equal(t, blight, got)
	assert.EqualValues(t, 1, rec.calls.Load())
	assert.EqualValues(t, 1, rec.released.Load())
	assert.Equal(t, DefaultModel, rec.model)

	require.Len(t, m.parts, 2)
	blob, ok := m.parts[0].(*genai.Blob)
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", blob.MIMEType)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}, blob.Data)
	prompt, ok := m.parts[1].(genai.Text)
	require.True(t, ok)
	assert.Contains(t, string(prompt), `diseaseName to "N/A"`)
}

func TestAnalyze_RequestsSchema(t *testing.T) {
	rec := &recorder{}
	c := New(Config{APIKey: "k", Model: "gemini-test"}, WithModelFactory(rec.factory(&fakeModel{resp: textResponse(blightJSON)})))

	_, err := c.Analyze(context.Background(), leafImage)
	require.NoError(t, err)
	assert.Equal(t, "gemini-test", rec.model)
	assert.Equal(t, "application/json", rec.gc.ResponseMIMEType)

	s := rec.gc.ResponseSchema
	require.NotNil(t, s)
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.ElementsMatch(t, []string{
		"isHealthy", "diseaseName", "confidenceScore", "description", "organicTreatment", "chemicalTreatment",
	}, s.Required)
	assert.Equal(t, genai.TypeBoolean, s.Properties["isHealthy"].Type)
	assert.Equal(t, genai.TypeNumber, s.Properties["confidenceScore"].Type)
	for _, name := range []string{"diseaseName", "description", "organicTreatment", "chemicalTreatment"} {
		assert.Equal(t, genai.TypeString, s.Properties[name].Type, name)
	}
}

func TestAnalyze_HealthyPassesThrough(t *testing.T) {
	rec := &recorder{}
	body := `{"isHealthy":true,"diseaseName":"N/A","confidenceScore":0.95,"description":"Healthy.","organicTreatment":"Keep it up.","chemicalTreatment":"None needed."}`
	c := New(Config{APIKey: "k"}, WithModelFactory(rec.factory(&fakeModel{resp: textResponse(body)})))

	got, err := c.Analyze(context.Background(), leafImage)
	require.NoError(t, err)
	assert.True(t, got.IsHealthy)
	assert.Equal(t, HealthySentinel, got.DiseaseName)
}

func TestAnalyze_Failures(t *testing.T) {
	tests := []struct {
		name  string
		model *fakeModel
		img   EncodedImage
		kind  Kind
	}{
		{"no candidates", &fakeModel{resp: &genai.GenerateContentResponse{}}, leafImage, KindEmptyResponse},
		{"nil response", &fakeModel{}, leafImage, KindEmptyResponse},
		{"blocked", &fakeModel{err: &genai.BlockedError{}}, leafImage, KindEmptyResponse},
		{"truncated", &fakeModel{resp: textResponse(`{"isHealthy": true,`)}, leafImage, KindMalformedResponse},
		{"missing field", &fakeModel{resp: textResponse(`{"isHealthy": true}`)}, leafImage, KindSchemaViolation},
		{"transport", &fakeModel{err: errors.New("connection reset by peer")}, leafImage, KindNetwork},
		{"gateway timeout", &fakeModel{err: &googleapi.Error{Code: http.StatusGatewayTimeout}}, leafImage, KindTimeout},
		{"server error", &fakeModel{err: &googleapi.Error{Code: http.StatusInternalServerError}}, leafImage, KindNetwork},
		{"bad base64", &fakeModel{}, EncodedImage{Data: "%%%", MIMEType: "image/png"}, KindRead},
		{"empty image", &fakeModel{}, EncodedImage{MIMEType: "image/png"}, KindRead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			c := New(Config{APIKey: "k"}, WithModelFactory(rec.factory(tt.model)))
			got, err := c.Analyze(context.Background(), tt.img)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Equal(t, AnalysisResult{}, got)
		})
	}
}

// echoModel names the disease after the image bytes it was sent.
type echoModel struct{}

func (echoModel) GenerateContent(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	blob := parts[0].(*genai.Blob)
	return textResponse(fmt.Sprintf(`{"isHealthy":false,"diseaseName":%q,"confidenceScore":0.7,`+
		`"description":"d","organicTreatment":"o","chemicalTreatment":"c"}`, blob.Data)), nil
}

func TestAnalyze_ConcurrentCalls(t *testing.T) {
	const n = 32
	var calls, released atomic.Int32
	c := New(Config{APIKey: "k"}, WithModelFactory(func(context.Context, string, string, genai.GenerationConfig) (Generator, func() error, error) {
		calls.Add(1)
		return echoModel{}, func() error { released.Add(1); return nil }, nil
	}))

	var wg sync.WaitGroup
	got := make([]AnalysisResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			img := EncodedImage{
				Data:     base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("leaf-%02d", i))),
				MIMEType: "image/png",
			}
			got[i], errs[i] = c.Analyze(context.Background(), img)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], i)
		assert.Equal(t, fmt.Sprintf("leaf-%02d", i), got[i].DiseaseName)
	}
	assert.EqualValues(t, n, calls.Load())
	assert.EqualValues(t, n, released.Load())
}

func TestAnalyze_Timeout(t *testing.T) {
	rec := &recorder{}
	c := New(Config{APIKey: "k", Timeout: 20 * time.Millisecond}, WithModelFactory(rec.factory(&fakeModel{wait: true})))

	_, err := c.Analyze(context.Background(), leafImage)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.EqualValues(t, 1, rec.released.Load())
}

func TestAnalyze_FactoryError(t *testing.T) {
	c := New(Config{APIKey: "k"}, WithModelFactory(func(context.Context, string, string, genai.GenerationConfig) (Generator, func() error, error) {
		return nil, nil, errors.New("dial tcp: no route to host")
	}))
	_, err := c.Analyze(context.Background(), leafImage)
	assert.Equal(t, KindNetwork, KindOf(err))
}

func TestAnalyze_SniffsMissingMIME(t *testing.T) {
	rec := &recorder{}
	m := &fakeModel{resp: textResponse(blightJSON)}
	c := New(Config{APIKey: "k"}, WithModelFactory(rec.factory(m)))

	_, err := c.Analyze(context.Background(), EncodedImage{Data: leafImage.Data})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", m.parts[0].(*genai.Blob).MIMEType)
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindSchemaViolation, Op: "diagnosis.ParseResult", Field: "isHealthy", Raw: "secret", Err: errors.New("missing")}
	assert.Equal(t, "diagnosis.ParseResult: schema_violation (field isHealthy): missing", err.Error())
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.True(t, errors.Is(err, ErrSchemaViolation))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
