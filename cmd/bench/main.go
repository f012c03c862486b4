package main

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

func newHTTPCmd() *cobra.Command {
	var (
		addr    string
		n       int
		conc    int
		valSize int
	)
	cmd := &cobra.Command{
		Use:   "http",
		Short: "Put then get keys against a running node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			wg := sync.WaitGroup{}
			start := time.Now()
			ch := make(chan int, conc)
			var mu sync.Mutex
			failed := 0

			for i := 0; i < n; i++ {
				wg.Add(1)
				ch <- 1
				go func(i int) {
					defer wg.Done()
					defer func() { <-ch }()
					key := fmt.Sprintf("k%d", i)
					payload := bytes.Repeat([]byte{byte(rand.Intn(255))}, valSize)
					ok := true
					if resp, err := client.Post(addr+"/kv/"+key, "application/octet-stream", bytes.NewReader(payload)); err != nil {
						ok = false
					} else {
						io.Copy(io.Discard, resp.Body)
						resp.Body.Close()
						ok = resp.StatusCode/100 == 2
					}
					if resp, err := client.Get(addr + "/kv/" + key); err != nil {
						ok = false
					} else {
						io.Copy(io.Discard, resp.Body)
						resp.Body.Close()
						ok = ok && resp.StatusCode == http.StatusOK
					}
					if !ok {
						mu.Lock()
						failed++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			dur := time.Since(start)
			fmt.Fprintf(cmd.OutOrStdout(), "Completed %d ops in %s (%.2f ops/s), %d keys failed\n",
				n*2, dur, float64(n*2)/dur.Seconds(), failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "server address")
	cmd.Flags().IntVarP(&n, "requests", "n", 5000, "requests")
	cmd.Flags().IntVarP(&conc, "concurrency", "c", 32, "concurrency")
	cmd.Flags().IntVar(&valSize, "val", 128, "value size bytes")
	return cmd
}

func main() {
	root := &cobra.Command{
		Use:   "zephyr-bench",
		Short: "Load and ring balance benchmarks",
	}
	root.AddCommand(newHTTPCmd(), newRingCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
