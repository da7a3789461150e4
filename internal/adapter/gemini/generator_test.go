package gemini_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/cuongbtq/analysis-pipeline/internal/adapter/gemini"
)

func TestNewGenerator_MissingKey(t *testing.T) {
	gen, err := gemini.NewGenerator(context.Background(), "", "")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "gemini api key not configured")
	assert.Nil(t, gen)
}

func TestGenerator_Generate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{
				{
					"content": map[string]interface{}{
						"role": "model",
						"parts": []map[string]interface{}{
							{"text": "Summary line\n"},
							{"text": "- split the parser"},
						},
					},
				},
			},
		})
	}))
	defer ts.Close()

	ctx := context.Background()
	gen, err := gemini.NewGenerator(ctx, "test-key", "", option.WithEndpoint(ts.URL))
	require.NoError(t, err)
	defer gen.Close()

	text, err := gen.Generate(ctx, "analyse this")
	require.NoError(t, err)
	assert.Equal(t, "Summary line\n- split the parser", text)
}

func TestGenerator_EmptyCandidates(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer ts.Close()

	ctx := context.Background()
	gen, err := gemini.NewGenerator(ctx, "test-key", "", option.WithEndpoint(ts.URL))
	require.NoError(t, err)
	defer gen.Close()

	_, err = gen.Generate(ctx, "analyse this")
	assert.ErrorIs(t, err, gemini.ErrEmptyResponse)
}
