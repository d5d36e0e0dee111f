package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AuraFM/config"
	"AuraFM/model"
)

func TestRegisterTracksJoinsArtists(t *testing.T) {
	repo := &stubTrackRepo{tracks: map[string]*model.Track{}}
	h := NewAPIHandler(repo, nil, nil, nil, &config.Config{})

	body := `{"tracks":[
		{"id":"t1","title":"Song","artists":["A","B"]},
		{"id":"t2","title":"Solo","artists":["C"]},
		{"id":"t3","title":"Instrumental"}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/api/tracks", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.RegisterTracksHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Result().StatusCode)

	// 多艺术家落库为 ", " 连接的单列，与 Track.Ref 的拆分约定互逆
	require.Contains(t, repo.tracks, "t1")
	assert.Equal(t, "A, B", repo.tracks["t1"].Artist)
	assert.Equal(t, "C", repo.tracks["t2"].Artist)
	assert.Equal(t, "", repo.tracks["t3"].Artist)

	assert.Equal(t, []string{"A", "B"}, repo.tracks["t1"].Ref().Artists)
}

func TestRegisterTracksRejectsEmpty(t *testing.T) {
	h := NewAPIHandler(&stubTrackRepo{tracks: map[string]*model.Track{}}, nil, nil, nil, &config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/tracks", strings.NewReader(`{"tracks":[]}`))
	rec := httptest.NewRecorder()
	h.RegisterTracksHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Result().StatusCode)
}
