package automation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSearchURL(t *testing.T) {
	t.Parallel()
	u := searchURL("padaria", "Curitiba", "pt-BR")
	require.True(t, strings.HasPrefix(u, "https://www.google.com/search?"))
	require.Contains(t, u, "hl=pt-BR")
	require.Contains(t, u, "gl=br")
	require.Contains(t, u, "tbm=lcl")
	require.Contains(t, u, "num=10")
	require.Contains(t, u, "q=padaria+Curitiba")
}

func TestBlockedURL(t *testing.T) {
	t.Parallel()
	require.True(t, blockedURL("https://www.google.com/sorry/index?continue=x"))
	require.True(t, blockedURL("https://consent.google.com/ml?continue=x"))
	require.False(t, blockedURL("https://www.google.com/search?q=padaria"))
}

func TestSiteKeyPattern(t *testing.T) {
	t.Parallel()
	html := `<div class="g-recaptcha" data-sitekey="6LfwuyUTAAAAAOAmoS0fdqijC2PbbdH4kjq62Y1b"></div>`
	m := siteKeyPattern.FindStringSubmatch(html)
	require.NotNil(t, m)
	require.Equal(t, "6LfwuyUTAAAAAOAmoS0fdqijC2PbbdH4kjq62Y1b", m[1])

	require.Nil(t, siteKeyPattern.FindStringSubmatch(`<div class="result"></div>`))
}

func TestInjectTokenEscapesQuotes(t *testing.T) {
	t.Parallel()
	js := injectTokenJS(`tok"en\x`)
	require.Contains(t, js, `textarea.value = "tok\"en\\x";`)
	require.Contains(t, js, "g-recaptcha-response")
	require.Contains(t, js, "form.submit()")
}

func TestNewChromedpRejectsNegativeParallel(t *testing.T) {
	t.Parallel()
	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)
}
