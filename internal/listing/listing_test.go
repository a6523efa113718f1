package listing

import (
	"net/url"
	"strings"
	"testing"

	"github.com/gridfeed/cammesa/internal/period"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `<!doctype html>
<html><body>
<div class="wpdm-list">
  <a class="wpdm-download-link download-on-click btn btn-primary btn-sm"
     data-downloadurl="https://cammesaweb.cammesa.com/download/base-informe-mensual-2024-04/?wpdmdl=1">Descargar</a>
  <a class="wpdm-download-link download-on-click btn btn-primary btn-sm"
     data-downloadurl="https://cammesaweb.cammesa.com/download/demanda-mensual-2024-05/?wpdmdl=2">Descargar</a>
  <a class="wpdm-download-link download-on-click btn btn-primary btn-sm"
     data-downloadurl="https://cammesaweb.cammesa.com/download/base-informe-mensual-2024-05/?wpdmdl=3">Descargar</a>
  <a class="btn" data-downloadurl="https://cammesaweb.cammesa.com/download/base-informe-mensual-2024-03/">Otro</a>
  <a class="wpdm-download-link download-on-click btn btn-primary btn-sm"
     data-downloadurl="https://cammesaweb.cammesa.com/download/base-informe-mensual-2021-09-2/?wpdmdl=9">Descargar</a>
  <a class="wpdm-download-link download-on-click btn btn-primary btn-sm"
     data-downloadurl="https://cammesaweb.cammesa.com/download/base-informe-mensual-2024-05/?wpdmdl=4">Descargar</a>
</div>
</body></html>`

func locator() Locator {
	return Locator{
		LinkClass:    "wpdm-download-link",
		ArchiveToken: "base",
		Aliases:      map[string]string{"2022-11": "2021-09-2"},
	}
}

func months(labels ...string) []period.Month {
	out := make([]period.Month, len(labels))
	for i, l := range labels {
		out[i] = period.MustParse(l)
	}
	return out
}

func TestLocate(t *testing.T) {
	doc, err := Parse(strings.NewReader(page))
	require.NoError(t, err)

	got := locator().Locate(doc, months("2024-03", "2024-04", "2024-05", "2024-06"))

	assert.Equal(t, "https://cammesaweb.cammesa.com/download/base-informe-mensual-2024-04/?wpdmdl=1", got[period.MustParse("2024-04")])
	assert.Equal(t, "https://cammesaweb.cammesa.com/download/base-informe-mensual-2024-05/?wpdmdl=4", got[period.MustParse("2024-05")],
		"last matching link wins and non-archive links are ignored")
	assert.NotContains(t, got, period.MustParse("2024-03"), "anchors without the download class are ignored")
	assert.NotContains(t, got, period.MustParse("2024-06"), "unpublished periods are absent, not errors")
}

func TestLocateMislabeledPeriod(t *testing.T) {
	doc, err := Parse(strings.NewReader(page))
	require.NoError(t, err)

	got := locator().Locate(doc, months("2022-11"))
	assert.Equal(t, "https://cammesaweb.cammesa.com/download/base-informe-mensual-2021-09-2/?wpdmdl=9", got[period.MustParse("2022-11")])
}

func TestLocateEmptyListing(t *testing.T) {
	doc, err := Parse(strings.NewReader(`<html><body><p>Mantenimiento</p></body></html>`))
	require.NoError(t, err)
	assert.Empty(t, locator().Locate(doc, months("2024-06")))
}

func TestLocateResolvesRelativeLinks(t *testing.T) {
	doc, err := Parse(strings.NewReader(`<a class="wpdm-download-link" data-downloadurl="/download/base-informe-mensual-2024-04/">x</a>`))
	require.NoError(t, err)

	l := locator()
	l.Base, _ = url.Parse("https://cammesaweb.cammesa.com/informe-sintesis-mensual/")
	got := l.Locate(doc, months("2024-04"))
	assert.Equal(t, "https://cammesaweb.cammesa.com/download/base-informe-mensual-2024-04/", got[period.MustParse("2024-04")])
}

func TestToken(t *testing.T) {
	l := locator()
	assert.Equal(t, "2021-09-2", l.Token(period.MustParse("2022-11")))
	assert.Equal(t, "2024-04", l.Token(period.MustParse("2024-04")))
}
