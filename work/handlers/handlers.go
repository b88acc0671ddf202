package handlers

import (
	"net/http"

	"stbmux/work/gateway"

	"github.com/gorilla/mux"
)

func HandlePlaylist(g *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.GeneratePlaylist(w, r, "")
	}
}

func HandleGroupPlaylist(g *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.GeneratePlaylist(w, r, mux.Vars(r)["group"])
	}
}

func HandlePlay(g *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		g.ServeDirect(w, r, vars["portalID"], vars["channelID"])
	}
}

func HandleHlsFile(g *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		g.ServeHlsFile(w, r, vars["portalID"], vars["channelID"], vars["file"])
	}
}

func HandleGuide(g *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.ServeGuide(w, r)
	}
}

func HandleDiscover(g *gateway.Gateway) http.HandlerFunc {
	return g.ServeDiscover
}

func HandleLineup(g *gateway.Gateway) http.HandlerFunc {
	return g.ServeLineup
}

func HandleLineupStatus(g *gateway.Gateway) http.HandlerFunc {
	return g.ServeLineupStatus
}

func HandleRefresh(g *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.TriggerRefresh(w, r, mux.Vars(r)["portalID"])
	}
}

func HandleRefreshAll(g *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.TriggerRefresh(w, r, "")
	}
}

func HandleEpgRefresh(g *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.TriggerEpgRefresh(w, r)
	}
}

func HandleJobStatus(g *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.JobStatus(w, r, mux.Vars(r)["portalID"])
	}
}

func HandleEpgJobStatus(g *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.EpgJobStatus(w, r)
	}
}

func HandleOccupancy(g *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.ServeOccupancy(w, r)
	}
}

func HandleListPortals(g *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.ListPortals(w, r)
	}
}

func HandleSavePortal(g *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.SavePortal(w, r)
	}
}

func HandleDeletePortal(g *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.DeletePortal(w, r, mux.Vars(r)["portalID"])
	}
}
