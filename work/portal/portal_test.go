package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"stbmux/work/client"
	"stbmux/work/config"
	"stbmux/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractURL(t *testing.T) {
	cases := []struct {
		cmd  string
		want string
	}{
		{"ffmpeg http://edge.example.com/ch/1234", "http://edge.example.com/ch/1234"},
		{"auto https://edge.example.com/ch/1234?token=x", "https://edge.example.com/ch/1234?token=x"},
		{"http://edge.example.com/ch/1234", "http://edge.example.com/ch/1234"},
		{"ffmpeg rtsp://edge.example.com/ch/1234", ""},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExtractURL(tc.cmd), tc.cmd)
	}
}

func TestNeedsLinkCreation(t *testing.T) {
	assert.True(t, NeedsLinkCreation("ffmpeg http://localhost/ch/1234"))
	assert.True(t, NeedsLinkCreation("auto rtsp://edge/ch/1234"))
	assert.False(t, NeedsLinkCreation("ffmpeg http://edge.example.com/ch/1234"))
}

// stalkerStub serves a minimal portal.php surface for client tests.
func stalkerStub(t *testing.T) (*httptest.Server, *StalkerClient, *types.Portal) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/portal.php" {
			http.NotFound(w, r)
			return
		}

		action := r.URL.Query().Get("action")
		cookie := r.Header.Get("Cookie")

		switch action {
		case "handshake":
			if cookie == "" {
				w.Write([]byte(`{"js":{}}`))
				return
			}
			fmt.Fprint(w, `{"js":{"token":"tok123"}}`)
		case "get_profile":
			if r.Header.Get("Authorization") != "Bearer tok123" {
				fmt.Fprint(w, `{"js":{}}`)
				return
			}
			fmt.Fprint(w, `{"js":{"id":42}}`)
		case "get_all_channels":
			fmt.Fprint(w, `{"js":{"data":[
				{"id":101,"name":"News HD","cmd":"ffmpeg http://localhost/ch/101","tv_genre_id":5,"logo":"news.png"},
				{"id":"102","name":"Sports","cmd":"auto http://edge/ch/102","tv_genre_id":"6","logo":""}
			]}}`)
		case "create_link":
			fmt.Fprint(w, `{"js":{"cmd":"ffmpeg http://edge.example.com/play/101?token=abc"}}`)
		case "get_main_info":
			fmt.Fprint(w, `{"js":{"end_date":"2027-01-31","phone":""}}`)
		case "get_genres":
			fmt.Fprint(w, `{"js":[{"id":5,"title":"News"},{"id":"6","title":"Sports"}]}`)
		default:
			fmt.Fprint(w, `{"js":{}}`)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{UserAgent: "test-agent"}
	sc := NewStalkerClient(client.NewHeaderSettingClient(cfg), false)
	p := &types.Portal{ID: "p1", URL: srv.URL + "/"}
	return srv, sc, p
}

func TestGetToken(t *testing.T) {
	_, sc, p := stalkerStub(t)

	token, err := sc.GetToken(context.Background(), p, "00:1A:79:00:00:01")
	require.NoError(t, err)
	assert.Equal(t, "tok123", token)
}

func TestGetTokenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"js":{}}`)
	}))
	defer srv.Close()

	sc := NewStalkerClient(client.NewHeaderSettingClient(&config.Config{}), false)
	p := &types.Portal{ID: "p1", URL: srv.URL}

	_, err := sc.GetToken(context.Background(), p, "00:1A:79:00:00:01")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestGetProfile(t *testing.T) {
	_, sc, p := stalkerStub(t)

	require.NoError(t, sc.GetProfile(context.Background(), p, "00:1A:79:00:00:01", "tok123"))
	assert.ErrorIs(t, sc.GetProfile(context.Background(), p, "00:1A:79:00:00:01", "badtoken"), ErrAuthFailed)
}

func TestGetAllChannels(t *testing.T) {
	_, sc, p := stalkerStub(t)

	channels, err := sc.GetAllChannels(context.Background(), p, "00:1A:79:00:00:01", "tok123")
	require.NoError(t, err)
	require.Len(t, channels, 2)

	// numeric and string ids both normalize to strings
	assert.Equal(t, "101", channels[0].ID)
	assert.Equal(t, "News HD", channels[0].Name)
	assert.Equal(t, "5", channels[0].GenreID)
	assert.Equal(t, "102", channels[1].ID)
	assert.Equal(t, "6", channels[1].GenreID)
}

func TestGetLink(t *testing.T) {
	_, sc, p := stalkerStub(t)

	link, err := sc.GetLink(context.Background(), p, "00:1A:79:00:00:01", "tok123", "ffmpeg http://localhost/ch/101")
	require.NoError(t, err)
	assert.Equal(t, "http://edge.example.com/play/101?token=abc", link)
}

func TestGetExpires(t *testing.T) {
	_, sc, p := stalkerStub(t)

	expires, err := sc.GetExpires(context.Background(), p, "00:1A:79:00:00:01", "tok123")
	require.NoError(t, err)
	assert.Equal(t, "2027-01-31", expires)
}

func TestGetGenres(t *testing.T) {
	_, sc, p := stalkerStub(t)

	genres, err := sc.GetGenres(context.Background(), p, "00:1A:79:00:00:01", "tok123")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"5": "News", "6": "Sports"}, genres)
}

func TestCallSendsStbHeaders(t *testing.T) {
	var gotCookie, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotUA = r.Header.Get("User-Agent")
		fmt.Fprint(w, `{"js":{"token":"t"}}`)
	}))
	defer srv.Close()

	sc := NewStalkerClient(client.NewHeaderSettingClient(&config.Config{UserAgent: "MAG200 stbapp"}), false)
	p := &types.Portal{ID: "p1", URL: srv.URL}

	_, err := sc.GetToken(context.Background(), p, "00:1A:79:00:00:01")
	require.NoError(t, err)
	assert.Contains(t, gotCookie, "mac=00%3A1A%3A79%3A00%3A00%3A01")
	assert.Contains(t, gotCookie, "stb_lang=en")
	assert.Equal(t, "MAG200 stbapp", gotUA)
}
