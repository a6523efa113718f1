package fetch

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestGet(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	body, err := NewClient(time.Second, "cammesa-test").Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", string(body))
	assert.Equal(t, "cammesa-test", gotUA)
}

func TestDownloadStreamsToDisk(t *testing.T) {
	payload := zipOf(t, map[string]string{"a.txt": "hola"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "nested", "dir", "base_informe_mensual_2024-04.zip")
	n, err := NewClient(time.Second, "").Download(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), n)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(dest), "*.part"))
	assert.Empty(t, leftovers)
}

func TestDownloadBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such archive", http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "x.zip")
	_, err := NewClient(time.Second, "").Download(context.Background(), srv.URL+"/base-2024-04", dest)

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.Status)
	assert.Equal(t, srv.URL+"/base-2024-04", fe.URL)
	assert.Equal(t, dest, fe.Dest)
	assert.Contains(t, err.Error(), "no such archive")
	assert.NoFileExists(t, dest)
}

func TestDownloadUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(time.Second, "").Download(context.Background(), url, filepath.Join(t.TempDir(), "x.zip"))
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Zero(t, fe.Status)
}

func TestUnpackExtractsThenDeletes(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "base_informe_mensual_2024-04.zip")
	require.NoError(t, os.WriteFile(zipPath, zipOf(t, map[string]string{
		"BASE_INFORME_MENSUAL_2024-04/Bases_Demanda_INFORME_MENSUAL/Demanda Mensual.xlsx": "xlsx",
		"BASE_INFORME_MENSUAL_2024-04/LEEME.txt":                                          "leeme",
	}), 0o644))

	dest := filepath.Join(dir, "2024_04")
	files, err := Unpack(zipPath, dest)
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.FileExists(t, filepath.Join(dest, "BASE_INFORME_MENSUAL_2024-04", "Bases_Demanda_INFORME_MENSUAL", "Demanda Mensual.xlsx"))
	assert.NoFileExists(t, zipPath)
}

func TestUnpackKeepsArchiveOnFailure(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "broken.zip")
	require.NoError(t, os.WriteFile(zipPath, []byte("not a zip"), 0o644))

	_, err := Unpack(zipPath, filepath.Join(dir, "out"))
	assert.Error(t, err)
	assert.FileExists(t, zipPath)
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "evil.zip")
	require.NoError(t, os.WriteFile(zipPath, zipOf(t, map[string]string{"../../escape.txt": "x"}), 0o644))

	_, err := Extract(zipPath, filepath.Join(dir, "out"))
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "..", "escape.txt"))
}

func TestExtractDecodesLegacyNames(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "Generaci\xa2n Local Mensual.xlsx", NonUTF8: true, Method: zip.Deflate})
	require.NoError(t, err)
	_, err = w.Write([]byte("xlsx"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	dir := t.TempDir()
	zipPath := filepath.Join(dir, "legacy.zip")
	require.NoError(t, os.WriteFile(zipPath, buf.Bytes(), 0o644))

	files, err := Extract(zipPath, filepath.Join(dir, "out"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "Generación Local Mensual.xlsx", filepath.Base(files[0]))
}
