package crawler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/board-harvester/internal/models"
)

func scriptHint(src string) models.Hint {
	call, _ := models.ParseScriptCall(src)
	return models.Hint{Kind: models.HintScriptCall, Value: src, Call: &call}
}

func TestResolver_StrategyOrder(t *testing.T) {
	cfg := testSite(t)
	pageURL := "https://board.example.org/bbs/list.do?page=1"

	tests := []struct {
		name  string
		hints []models.Hint
		want  string
	}{
		{
			name: "data attribute wins over href",
			hints: []models.Hint{
				{Kind: models.HintRelativeURL, Value: "view.do?nttId=1"},
				{Kind: models.HintDataAttribute, Value: "/bbs/view.do?nttId=2"},
			},
			want: "https://board.example.org/bbs/view.do?nttId=2",
		},
		{
			name:  "absolute url",
			hints: []models.Hint{{Kind: models.HintAbsoluteURL, Value: "https://other.example.org/p/1"}},
			want:  "https://other.example.org/p/1",
		},
		{
			name:  "page relative url",
			hints: []models.Hint{{Kind: models.HintRelativeURL, Value: "view.do?nttId=7"}},
			want:  "https://board.example.org/bbs/view.do?nttId=7",
		},
		{
			name:  "root relative url",
			hints: []models.Hint{{Kind: models.HintRelativeURL, Value: "/board/7"}},
			want:  "https://board.example.org/board/7",
		},
		{
			name:  "script call template",
			hints: []models.Hint{scriptHint("javascript:fn_view('BBS 01','303')")},
			want:  "https://board.example.org/bbs/view.do?bbsId=BBS+01&nttId=303",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(cfg, nil, nil)
			got, err := r.Resolve(context.Background(), models.ListEntry{Title: "t", PageURL: pageURL, Hints: tt.hints})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolver_UnknownCallFallsThroughToClick(t *testing.T) {
	cfg := testSite(t)
	pageURL := cfg.PageURL(1)
	sess := NewMockSession()
	sess.location = pageURL
	sess.clickResult = "https://board.example.org/bbs/view.do?nttId=9"

	r := NewResolver(cfg, sess, nil)
	got, err := r.Resolve(context.Background(), models.ListEntry{
		Title:   "아주 긴 제목이 있는 공고문입니다 그래서 앞부분만 찾기에 씁니다 끝",
		PageURL: pageURL,
		Hints:   []models.Hint{scriptHint("fn_unknown(1)")},
	})

	require.NoError(t, err)
	assert.Equal(t, "https://board.example.org/bbs/view.do?nttId=9", got)
	require.Len(t, sess.clicked, 1)
	assert.Contains(t, sess.clicked[0], `"table.list tbody tr"`)
	assert.Contains(t, sess.clicked[0], `"아주 긴 제목이 있는 공고문입니다 그래서 앞부분만 찾기"`)
	assert.Empty(t, sess.navigated, "already on the listing page")
}

func TestResolver_ClickReloadsListingPage(t *testing.T) {
	cfg := testSite(t)
	sess := NewMockSession()
	sess.location = "https://board.example.org/bbs/view.do?nttId=1"
	sess.clickResult = "https://board.example.org/bbs/view.do?nttId=2"

	r := NewResolver(cfg, sess, nil)
	_, err := r.Resolve(context.Background(), models.ListEntry{Title: "x", PageURL: cfg.PageURL(3)})

	require.NoError(t, err)
	assert.Equal(t, []string{cfg.PageURL(3)}, sess.navigated)
}

func TestResolver_NoStrategyApplies(t *testing.T) {
	cfg := testSite(t)
	sess := NewMockSession()
	sess.clickErr = errors.New("row not found")

	r := NewResolver(cfg, sess, nil)
	_, err := r.Resolve(context.Background(), models.ListEntry{Title: "lost", PageURL: cfg.PageURL(1)})

	assert.ErrorIs(t, err, ErrResolution)
	assert.Equal(t, "ResolutionFailure", ErrorType(err))
}

func TestNeedle(t *testing.T) {
	assert.Equal(t, "short", needle("  short "))
	assert.Equal(t, 30, len([]rune(needle("가나다라마바사아자차카타파하가나다라마바사아자차카타파하가나다라마바사"))))
}
