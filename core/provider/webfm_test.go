package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AuraFM/model"
)

func TestWebFMEscapesTrackID(t *testing.T) {
	// 含保留字符的标识必须完整进入 id 参数，不能污染查询串的其余部分
	rawID := "weird id&level=hack#frag"
	var gotID, gotLevel string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.URL.Query().Get("id")
		gotLevel = r.URL.Query().Get("level")
		w.Write([]byte(`{"code":200,"data":[{"id":1,"url":"http://media/x.flac","br":999000,"type":"flac"}]}`))
	}))
	t.Cleanup(srv.Close)

	p := NewWebFMProvider(srv.URL)
	cand, err := p.Resolve(context.Background(), model.TrackRef{ID: rawID})
	require.NoError(t, err)

	assert.Equal(t, rawID, gotID)
	assert.Equal(t, "lossless", gotLevel)
	assert.Equal(t, "http://media/x.flac", cand.URL)
	assert.Equal(t, model.TierLossless, cand.Tier)
}

func TestWebFMErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		body string
		code int
		want error
	}{
		{"http限流", "", http.StatusTooManyRequests, ErrRateLimited},
		{"业务码限流", `{"code":405,"data":[]}`, http.StatusOK, ErrRateLimited},
		{"空直链视为未找到", `{"code":200,"data":[{"id":1,"url":""}]}`, http.StatusOK, ErrNotFound},
		{"业务错误", `{"code":500,"msg":"boom","data":[]}`, http.StatusOK, ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				w.Write([]byte(tc.body))
			}))
			t.Cleanup(srv.Close)

			p := NewWebFMProvider(srv.URL)
			_, err := p.Resolve(context.Background(), model.TrackRef{ID: "42"})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestWebFMEmptyIDRejected(t *testing.T) {
	p := NewWebFMProvider("http://unused")
	_, err := p.Resolve(context.Background(), model.TrackRef{Title: "no id"})
	assert.ErrorIs(t, err, ErrNotFound)
}
