package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActorMiddleware(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   int64
	}{
		{name: "valid", header: "42", want: 42},
		{name: "padded", header: " 7 ", want: 7},
		{name: "missing", header: "", want: 0},
		{name: "negative", header: "-3", want: 0},
		{name: "garbage", header: "abc", want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got int64
			h := ActorMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				got = ActorFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set(ActorHeader, tc.header)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestActorFromEmptyContext(t *testing.T) {
	assert.Zero(t, ActorFromContext(context.Background()))
	assert.Equal(t, int64(9), ActorFromContext(ContextWithActor(context.Background(), 9)))
}
