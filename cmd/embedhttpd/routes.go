package main

import (
	"os"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/s00inx/embedhttpd/server"
	"github.com/s00inx/embedhttpd/server/router"
)

type status struct {
	Hostname  string `json:"hostname"`
	Uptime    string `json:"uptime"`
	Goroutine int    `json:"goroutines"`
}

type disk struct {
	Path  string `json:"path"`
	Total uint64 `json:"total"`
	Free  uint64 `json:"free"`
	Avail uint64 `json:"available"`
}

func registerRoutes(api *router.API, cfg server.Config) {
	started := time.Now()

	api.GET("/status", func(c *router.Context) {
		host, _ := os.Hostname()
		_ = c.JSON(200, status{
			Hostname:  host,
			Uptime:    time.Since(started).Truncate(time.Second).String(),
			Goroutine: runtime.NumGoroutine(),
		})
	})

	// statfs may block on a slow mount, keep it off the loop
	api.GET("/disk", func(c *router.Context) {
		path := c.Query("path")
		if path == "" {
			path = cfg.DocumentRoot
		}
		if path == "" {
			path = "/"
		}
		c.Go(func() (int, any) { return statDisk(path) })
	})
}

func statDisk(path string) (int, any) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 404, map[string]string{"error": err.Error()}
	}
	bs := uint64(st.Bsize)
	return 200, disk{
		Path:  path,
		Total: st.Blocks * bs,
		Free:  st.Bfree * bs,
		Avail: st.Bavail * bs,
	}
}
