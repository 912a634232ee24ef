package instance_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	"github.com/lunara/lunara/internal/instance"
)

// upstreamStub 同时模拟版本清单、paper 构建列表、构件下载与插件市场。
type upstreamStub struct {
	*httptest.Server

	requests       atomic.Int32
	artifactHits   atomic.Int32
	pluginHits     atomic.Int32
	failArtifacts  atomic.Bool
	missingPlugins atomic.Bool
}

func newUpstreamStub() *upstreamStub {
	stub := &upstreamStub{}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /mc/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"latest":{"release":"1.20.4"},"versions":[{"id":"1.20.4","url":"%s/mc/1.20.4.json"}]}`, stub.URL)
	})
	mux.HandleFunc("GET /mc/1.20.4.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"downloads":{"server":{"url":"%s/objects/abc/server.jar"}}}`, stub.URL)
	})
	mux.HandleFunc("GET /paper/versions/{version}/builds", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("version") != "1.20.4" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"builds":[
			{"build":496,"downloads":{"application":{"name":"paper-1.20.4-496.jar"}}},
			{"build":497,"downloads":{"application":{"name":"paper-1.20.4-497.jar"}}}]}`))
	})
	mux.HandleFunc("GET /paper/versions/{version}/builds/{build}/downloads/{file}", stub.serveArtifact)
	mux.HandleFunc("GET /objects/abc/server.jar", stub.serveArtifact)
	mux.HandleFunc("GET /hangar/projects/{name}/versions/{version}/PAPER/download", func(w http.ResponseWriter, r *http.Request) {
		stub.pluginHits.Add(1)
		if stub.missingPlugins.Load() {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "plugin %s %s", r.PathValue("name"), r.PathValue("version"))
	})

	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.requests.Add(1)
		mux.ServeHTTP(w, r)
	}))
	return stub
}

func (s *upstreamStub) serveArtifact(w http.ResponseWriter, r *http.Request) {
	s.artifactHits.Add(1)
	if s.failArtifacts.Load() {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Write([]byte("server-jar"))
}

// scriptedRuntime 包装真实 Runtime，可注入删除失败或在删除过程中暂停。
type scriptedRuntime struct {
	instance.Runtime

	teardownErr   error
	teardownEnter chan struct{}
	teardownGate  chan struct{}
	starts        atomic.Int32
}

func (r *scriptedRuntime) Start(ctx context.Context, inst instance.Instance) error {
	r.starts.Add(1)
	return r.Runtime.Start(ctx, inst)
}

func (r *scriptedRuntime) Teardown(ctx context.Context, name string) error {
	if r.teardownEnter != nil {
		close(r.teardownEnter)
		<-r.teardownGate
	}
	if r.teardownErr != nil {
		return r.teardownErr
	}
	return r.Runtime.Teardown(ctx, name)
}
