package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/apex/log/handlers/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leafdoc/api/internal/diagnosis"
	"leafdoc/api/internal/imagecheck"
	"leafdoc/api/internal/store"
)

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls []diagnosis.EncodedImage
	res   diagnosis.AnalysisResult
	err   error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, img diagnosis.EncodedImage) (diagnosis.AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, img)
	return f.res, f.err
}

func (f *fakeAnalyzer) Model() string { return "test-model" }

type memRepo struct {
	rows    map[string]store.Diagnosis
	history map[int64][]store.Diagnosis
	findErr error
	saveErr error
	lastTTL time.Duration
}

func newMemRepo() *memRepo {
	return &memRepo{rows: map[string]store.Diagnosis{}, history: map[int64][]store.Diagnosis{}}
}

func (m *memRepo) Record(_ context.Context, chatID int64, d *store.Diagnosis) error {
	m.history[chatID] = append(m.history[chatID], *d)
	return nil
}

func (m *memRepo) FindByHash(_ context.Context, hash, model string, maxAge time.Duration) (*store.Diagnosis, error) {
	m.lastTTL = maxAge
	if m.findErr != nil {
		return nil, m.findErr
	}
	d, ok := m.rows[hash+"|"+model]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (m *memRepo) Save(_ context.Context, d *store.Diagnosis) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.rows[d.ImageHash+"|"+d.Model] = *d
	return nil
}

func leafPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 6, 6))))
	return buf.Bytes()
}

var mildew = diagnosis.AnalysisResult{
	DiseaseName:       "Powdery Mildew",
	ConfidenceScore:   0.9,
	Description:       "White spots.",
	OrganicTreatment:  "Neem oil.",
	ChemicalTreatment: "Sulfur.",
}

func TestDiagnose_CallsModelAndCaches(t *testing.T) {
	a := &fakeAnalyzer{res: mildew}
	repo := newMemRepo()
	svc := New(a, repo, Options{CacheTTL: time.Hour})
	data := leafPNG(t)

	out, err := svc.Diagnose(context.Background(), Input{ChatID: 42, Data: data, MIMEType: "image/png"})
	require.NoError(t, err)
	assert.False(t, out.Cached)
	assert.Equal(t, mildew, out.Diagnosis.Result)
	assert.Equal(t, int64(42), out.Diagnosis.ChatID)
	assert.Equal(t, "test-model", out.Diagnosis.Model)
	assert.Len(t, out.Diagnosis.ImageHash, 64)
	assert.NotEqual(t, uuid.Nil, out.Diagnosis.ID)

	require.Len(t, a.calls, 1)
	assert.Equal(t, "image/png", a.calls[0].MIMEType)
	assert.Equal(t, base64.StdEncoding.EncodeToString(data), a.calls[0].Data)

	again, err := svc.Diagnose(context.Background(), Input{ChatID: 42, Data: data})
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, out.Diagnosis.ID, again.Diagnosis.ID)
	assert.Len(t, a.calls, 1, "cached diagnosis must not call the model")
	assert.Equal(t, time.Hour, repo.lastTTL)
}

func TestDiagnose_CacheHitGoesToEachChatsHistory(t *testing.T) {
	a := &fakeAnalyzer{res: mildew}
	repo := newMemRepo()
	svc := New(a, repo, Options{})
	data := leafPNG(t)

	first, err := svc.Diagnose(context.Background(), Input{ChatID: 1, Data: data})
	require.NoError(t, err)
	second, err := svc.Diagnose(context.Background(), Input{ChatID: 2, Data: data})
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, int64(2), second.Diagnosis.ChatID)
	assert.Len(t, a.calls, 1)

	require.Len(t, repo.history[1], 1)
	require.Len(t, repo.history[2], 1)
	assert.Equal(t, first.Diagnosis.ID, repo.history[2][0].ID)
	assert.Equal(t, mildew, repo.history[2][0].Result)
	assert.Equal(t, int64(1), repo.history[1][0].ChatID)

	_, err = svc.Diagnose(context.Background(), Input{Data: data})
	require.NoError(t, err)
	assert.Empty(t, repo.history[0], "requests without a chat keep no history")
}

func TestDiagnose_ModelOutputOnlyAtDebug(t *testing.T) {
	h := memory.New()
	log.SetHandler(h)
	log.SetLevel(log.DebugLevel)
	t.Cleanup(func() {
		log.SetHandler(discard.New())
		log.SetLevel(log.InfoLevel)
	})

	a := &fakeAnalyzer{err: &diagnosis.Error{Kind: diagnosis.KindMalformedResponse, Op: "analyze", Raw: "{nope"}}
	_, err := New(a, nil, Options{}).Diagnose(context.Background(), Input{Data: leafPNG(t)})
	require.Error(t, err)

	var sawRaw bool
	for _, e := range h.Entries {
		if _, ok := e.Fields["raw"]; ok {
			assert.Equal(t, log.DebugLevel, e.Level)
			assert.Equal(t, "{nope", e.Fields["raw"])
			sawRaw = true
		}
	}
	assert.True(t, sawRaw)
}

func TestDiagnose_WithoutRepo(t *testing.T) {
	a := &fakeAnalyzer{res: mildew}
	svc := New(a, nil, Options{})
	data := leafPNG(t)

	for i := 0; i < 2; i++ {
		out, err := svc.Diagnose(context.Background(), Input{Data: data})
		require.NoError(t, err)
		assert.False(t, out.Cached)
	}
	assert.Len(t, a.calls, 2)
}

func TestDiagnose_RejectsBadImageBeforeModel(t *testing.T) {
	a := &fakeAnalyzer{res: mildew}
	svc := New(a, newMemRepo(), Options{MaxImageBytes: 1 << 20})

	_, err := svc.Diagnose(context.Background(), Input{Data: []byte("GIF89a....")})
	assert.True(t, errors.Is(err, imagecheck.ErrUnsupported))

	_, err = svc.Diagnose(context.Background(), Input{})
	assert.True(t, errors.Is(err, imagecheck.ErrEmpty))

	svc = New(a, nil, Options{MaxImageBytes: 8})
	_, err = svc.Diagnose(context.Background(), Input{Data: leafPNG(t)})
	assert.True(t, errors.Is(err, imagecheck.ErrTooLarge))

	assert.Empty(t, a.calls)
}

func TestDiagnose_AnalyzeErrorIsReturnedAndNotSaved(t *testing.T) {
	a := &fakeAnalyzer{err: &diagnosis.Error{Kind: diagnosis.KindMalformedResponse, Op: "analyze", Raw: "{nope"}}
	repo := newMemRepo()
	svc := New(a, repo, Options{})

	_, err := svc.Diagnose(context.Background(), Input{Data: leafPNG(t)})
	require.Error(t, err)
	assert.Equal(t, diagnosis.KindMalformedResponse, diagnosis.KindOf(err))
	assert.Empty(t, repo.rows)
}

func TestDiagnose_StoreFailuresAreNotFatal(t *testing.T) {
	a := &fakeAnalyzer{res: mildew}
	repo := newMemRepo()
	repo.findErr = errors.New("connection refused")
	repo.saveErr = errors.New("connection refused")
	svc := New(a, repo, Options{})

	out, err := svc.Diagnose(context.Background(), Input{Data: leafPNG(t)})
	require.NoError(t, err)
	assert.Equal(t, mildew, out.Diagnosis.Result)
	assert.Len(t, a.calls, 1)
}
