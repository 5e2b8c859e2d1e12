// Command workerhost is a minimal reference worker script: it answers a
// couple of demo routes and a custom RPC, and shows the maintenance and
// shutdown hooks a real application would use to flush caches or close
// database handles. Pool configs point their script field at a binary
// built from this package (or an application's own equivalent).
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/narya/wpool/pkg/workerapi"
)

func main() {
	w := workerapi.New(os.Stdin, os.Stdout)

	w.Handle("/health", func(req *workerapi.Request, rw *workerapi.ResponseWriter) {
		rw.JSON(map[string]any{"status": "ok", "pid": os.Getpid()})
	})

	w.Handle("/echo/.*", func(req *workerapi.Request, rw *workerapi.ResponseWriter) {
		rw.Header()["Content-Type"] = []string{"application/octet-stream"}
		rw.Write(req.Body)
	})

	w.Handle("/events", func(req *workerapi.Request, rw *workerapi.ResponseWriter) {
		for i := 0; i < 5; i++ {
			rw.Chunk([]byte(fmt.Sprintf("tick %d\n", i)))
			time.Sleep(200 * time.Millisecond)
		}
		rw.End()
	})

	w.HandleFunc(func(req *workerapi.Request, rw *workerapi.ResponseWriter) {
		rw.WriteHeader(404)
		rw.Write([]byte("not found"))
	})

	w.HandleCustom(func(params map[string]any) (any, error) {
		return map[string]any{"echo": params}, nil
	})

	w.OnMaint(func(payload any) {
		// A real worker would flush request-scoped caches here.
	})

	w.OnShutdown(func() {
		// A real worker would close database handles and flush logs here.
	})

	if err := w.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "workerhost: %v\n", err)
		os.Exit(1)
	}
}
