package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const resultsPage = `<html><body>
<div class="g"><a href="https://one.example/">One</a><a href="https://ignored.example/">x</a></div>
<div class="other"><a href="https://not-a-result.example/">n</a></div>
<div class="g"><span>no link here</span></div>
<div class="g"><div><a href=" https://two.example/a ">Two</a></div></div>
<div class="g"><a href="https://one.example/">One again</a></div>
</body></html>`

func TestLinksFirstAnchorPerContainer(t *testing.T) {
	t.Parallel()

	links, err := New("").Links(resultsPage)
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://one.example/",
		"https://two.example/a",
		"https://one.example/",
	}, links)
}

func TestLinksEmptyPage(t *testing.T) {
	t.Parallel()

	links, err := New(DefaultResultSelector).Links(`<html><body><p>nothing</p></body></html>`)
	require.NoError(t, err)
	require.NotNil(t, links)
	require.Empty(t, links)
}

func TestLinksCustomSelector(t *testing.T) {
	t.Parallel()

	links, err := New("li.result").Links(`<ul><li class="result"><a href="/r1">r</a></li></ul>`)
	require.NoError(t, err)
	require.Equal(t, []string{"/r1"}, links)
}
