package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
)

const indexHTML = `<!doctype html>
<html>
<head><link rel="manifest" href="/manifest.json"><script src="/assets/app.js" defer></script></head>
<body><div id="root">demo shop</div></body>
</html>
`

func main() {
	mux := http.NewServeMux()

	shell := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		fmt.Fprint(w, indexHTML)
	}
	mux.HandleFunc("/", shell)
	mux.HandleFunc("/index.html", shell)
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/manifest+json")
		fmt.Fprint(w, `{"name":"Demo Shop","start_url":"/","display":"standalone"}`)
	})
	mux.HandleFunc("/assets/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		fmt.Fprint(w, `document.getElementById("root").textContent = "demo shop loaded";`)
	})

	mux.HandleFunc("/auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("apikey") {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"code":401,"msg":"missing sub claim"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": token, "email": token + "@demo.local"})
	})
	mux.HandleFunc("/auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/rest/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":"o-1","status":"pending","customer_id":"demo","store_id":"s-1"}]`)
	})
	mux.HandleFunc("/rest/v1/products", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":"p-1","name":"Bread","store_id":"s-1"}]`)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	log.Println("demo-origin listening on :9000")
	log.Fatal(http.ListenAndServe(":9000", mux))
}
