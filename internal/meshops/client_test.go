package meshops

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnalyzeSendsBase64Payload(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/trimesh_analyze", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"analysis": map[string]any{
				"vertex_count":       1024,
				"face_count":         2048,
				"bounding_box":       map[string]float64{"width": 40, "height": 55, "depth": 32},
				"is_watertight":      false,
				"issues":             []string{"Mesh is not watertight (has holes)"},
				"recommendations":    []string{"Run optimization with make_watertight enabled"},
				"printability_score": 3,
			},
		})
	}))
	defer server.Close()

	client, err := NewClient(Options{BaseURL: server.URL})
	require.NoError(t, err)

	analysis, err := client.Analyze(context.Background(), []byte("glb-bytes"), "")
	require.NoError(t, err)

	encoded, _ := got["file_data"].(string)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	require.Equal(t, "glb-bytes", string(decoded))

	require.Equal(t, 1024, analysis.VertexCount)
	require.False(t, analysis.IsWatertight)
	require.Equal(t, 3, analysis.PrintabilityScore)
	require.Len(t, analysis.Issues, 1)
}

func TestAnalyzeFallsBackToURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "https://cdn.example.test/model.glb", body["file_url"])
		_, hasData := body["file_data"]
		require.False(t, hasData)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":  true,
			"analysis": map[string]any{"vertex_count": 1, "face_count": 1, "printability_score": 1},
		})
	}))
	defer server.Close()

	client, err := NewClient(Options{BaseURL: server.URL})
	require.NoError(t, err)
	_, err = client.Analyze(context.Background(), nil, "https://cdn.example.test/model.glb")
	require.NoError(t, err)
}

func TestAnalyzeRequiresDataOrURL(t *testing.T) {
	client, err := NewClient(Options{BaseURL: "http://localhost:9"})
	require.NoError(t, err)
	_, err = client.Analyze(context.Background(), nil, " ")
	require.Error(t, err)
}

func TestOptimizeDecodesResult(t *testing.T) {
	optimized := []byte("optimized-glb")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/trimesh_optimize", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "stl", body["output_format"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":       true,
			"file_data":     base64.StdEncoding.EncodeToString(optimized),
			"original":      map[string]any{"vertex_count": 100},
			"optimized":     map[string]any{"vertex_count": 90, "is_watertight": true},
			"operations":    []string{"Filled holes to make mesh watertight", "Centered mesh at origin"},
			"warnings":      []string{},
			"output_format": "stl",
		})
	}))
	defer server.Close()

	client, err := NewClient(Options{BaseURL: server.URL})
	require.NoError(t, err)

	result, err := client.Optimize(context.Background(), []byte("raw"), OptimizeOptions{}, "stl")
	require.NoError(t, err)
	require.Equal(t, optimized, result.Data)
	require.Equal(t, "stl", result.OutputFormat)
	require.Equal(t, 100, result.Original.VertexCount)
	require.True(t, result.Optimized.IsWatertight)
	require.Len(t, result.Operations, 2)
}

func TestOptimizeRejectsUnknownFormat(t *testing.T) {
	client, err := NewClient(Options{BaseURL: "http://localhost:9"})
	require.NoError(t, err)
	_, err = client.Optimize(context.Background(), []byte("raw"), OptimizeOptions{}, "obj")
	require.Error(t, err)
}

func TestErrorEnvelopeSurvivesNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "failed to load mesh file"})
	}))
	defer server.Close()

	client, err := NewClient(Options{BaseURL: server.URL})
	require.NoError(t, err)
	_, err = client.Analyze(context.Background(), []byte("bad"), "")
	require.ErrorContains(t, err, "failed to load mesh file")
}
