package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/browser"

	"claudeproxy/internal/auth"
	"claudeproxy/internal/config"
	"claudeproxy/internal/httpserver"
	"claudeproxy/internal/ledger"
	ledgersql "claudeproxy/internal/ledger/sqlite"
	"claudeproxy/internal/logging"
	"claudeproxy/internal/modelmeta"
	"claudeproxy/internal/upstream"
	"claudeproxy/internal/version"
)

func main() {
	login := flag.Bool("login", false, "run the OAuth login flow in the terminal and exit")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.FullInfo())
		return
	}

	cfg, err := config.LoadProxyConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	const maxLogBytes = int64(100 * 1024 * 1024)
	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[proxyd] ")
		defer rot.Close()
	}

	store := auth.NewTokenStore(cfg.TokenFile)
	authn := auth.NewPKCEAuthenticator(auth.Endpoints{
		AuthorizeBase: cfg.AuthBaseAuthorize,
		TokenBase:     cfg.AuthBaseToken,
		ClientID:      cfg.ClientID,
		RedirectURI:   cfg.RedirectURI,
		Scope:         cfg.Scope,
	}, nil)
	creds := auth.NewManager(store, authn)

	if *login {
		runLogin(creds)
		return
	}

	models, err := modelmeta.Load(cfg.ModelsFile)
	if err != nil {
		log.Fatalf("load models file: %v", err)
	}

	var usage ledger.Store = ledger.Nop{}
	if cfg.LedgerEnabled {
		sq, err := ledgersql.New(auth.ExpandTilde(cfg.LedgerPath))
		if err != nil {
			log.Printf("usage ledger disabled: %v", err)
		} else {
			usage = sq
			defer sq.Close()
		}
	}

	up := upstream.New(cfg.APIBase, cfg.AnthropicVersion, cfg.AnthropicBeta, creds, cfg.RequestTimeout)
	httpSrv := httpserver.NewServer(creds, up, usage)
	httpSrv.SetDefaults(cfg.DefaultModel, cfg.DefaultMaxTokens)
	httpSrv.SetRequiredBetas(cfg.AnthropicBeta)
	httpSrv.SetModelIDs(models)
	httpSrv.SetLogger(cfg.LogLevel, log.New(log.Writer(), "[proxyd/http] ", log.LstdFlags|log.Lmicroseconds))

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           httpSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: streaming responses stay open until the client
		// disconnects
	}

	go func() {
		log.Printf("%s listening on %s", version.FullInfo(), cfg.ListenAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// runLogin drives the PKCE flow from the terminal. Browser launch failures
// are non-fatal so headless hosts can copy the URL by hand.
func runLogin(creds *auth.Manager) {
	authorizeURL, err := creds.BeginLogin()
	if err != nil {
		log.Fatalf("start login: %v", err)
	}
	fmt.Println("Open this URL in your browser and approve access:")
	fmt.Println()
	fmt.Println("  " + authorizeURL)
	fmt.Println()
	if err := browser.OpenURL(authorizeURL); err != nil {
		log.Printf("could not open browser automatically: %v", err)
	}
	fmt.Print("Paste the code shown on the callback page (code#state): ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		log.Fatalf("read code: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := creds.ExchangeCode(ctx, strings.TrimSpace(line)); err != nil {
		log.Fatalf("code exchange failed: %v", err)
	}
	fmt.Println("Login complete; credential stored.")
}
