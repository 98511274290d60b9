// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

// Package fraghttp exposes a member's fragment store over HTTP and
// provides the matching client. The envelope is deliberately small:
// fragment semantics live in fragstore, retries in the client.
package fraghttp

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/cubit-storage/cubit/pkg/cubit"
	"github.com/cubit-storage/cubit/pkg/fragstore"
)

// Error is the default fraghttp errs class.
var Error = errs.Class("fraghttp error")

// Server serves a local fragment store to peer members.
type Server struct {
	log    *zap.Logger
	store  *fragstore.Store
	router chi.Router
}

// NewServer creates a fragment RPC server over the given store.
func NewServer(log *zap.Logger, store *fragstore.Store) *Server {
	server := &Server{log: log, store: store}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/capacity", server.capacity)
	router.Route("/fragments/{object}/{version}/{index}/{tag}", func(router chi.Router) {
		router.Put("/", server.put)
		router.Get("/", server.get)
		router.Delete("/", server.delete)
	})
	server.router = router
	return server
}

// Handler returns the http handler of the server.
func (server *Server) Handler() http.Handler { return server.router }

func fragmentKey(r *http.Request) (fragstore.Key, error) {
	id, err := cubit.ObjectIDFromString(chi.URLParam(r, "object"))
	if err != nil {
		return fragstore.Key{}, err
	}
	version, err := strconv.ParseUint(chi.URLParam(r, "version"), 10, 64)
	if err != nil {
		return fragstore.Key{}, Error.Wrap(err)
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		return fragstore.Key{}, Error.Wrap(err)
	}
	return fragstore.Key{ID: id, Version: cubit.Version(version), Index: index, Tag: chi.URLParam(r, "tag")}, nil
}

func (server *Server) put(w http.ResponseWriter, r *http.Request) {
	key, err := fragmentKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch err := server.store.Put(r.Context(), key, data); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case fragstore.ErrRejected.Has(err):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		server.log.Error("fragment put failed", zap.Stringer("key", key), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (server *Server) get(w http.ResponseWriter, r *http.Request) {
	key, err := fragmentKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := server.store.Get(r.Context(), key)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	case fragstore.ErrNotFound.Has(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		server.log.Error("fragment get failed", zap.Stringer("key", key), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (server *Server) delete(w http.ResponseWriter, r *http.Request) {
	key, err := fragmentKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := server.store.Delete(r.Context(), key); err != nil {
		server.log.Error("fragment delete failed", zap.Stringer("key", key), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (server *Server) capacity(w http.ResponseWriter, r *http.Request) {
	capacity, err := server.store.Capacity(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, strconv.FormatInt(capacity.Used, 10)+" "+strconv.FormatInt(capacity.Total, 10))
}
