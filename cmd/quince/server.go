package main

import (
	"crypto/tls"
	"flag"
	"log"
	"os"

	quiche "github.com/hendrikcech/quiche"
)

func serverCommand(args []string) error {
	cmd := flag.NewFlagSet("server", flag.ExitOnError)
	listenAddr := cmd.String("listen", "0.0.0.0:4433", "listen on the given IP:port")
	certFile := cmd.String("cert", "", "TLS certificate file")
	keyFile := cmd.String("key", "", "TLS private key file")
	logLevel := cmd.Int("v", 2, "log verbose: 0=off 1=error 2=info 3=debug 4=trace")
	cmd.Parse(args)

	if *certFile == "" || *keyFile == "" {
		log.Fatal("quince server: -cert and -key are required")
	}

	cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
	if err != nil {
		return err
	}
	config := quiche.NewConfig()
	config.TLS.Certificates = []tls.Certificate{cert}
	server := quiche.NewServer(config)
	server.SetHandler(&serverHandler{})
	server.SetLogger(*logLevel, os.Stdout)
	if err := server.ListenAndServe(*listenAddr); err != nil {
		return err
	}
	log.Printf("quince server listening on %s", *listenAddr)
	select {}
}

type serverHandler struct{}

func (s *serverHandler) Serve(c *quiche.Conn, events []quiche.Event) {
	for _, e := range events {
		log.Printf("%s connection event: %v", c.RemoteAddr(), e.Type)
		if e.Type != quiche.EventStream {
			continue
		}
		st := c.Stream(e.StreamID)
		buf := make([]byte, 512)
		n, _ := st.Read(buf)
		if n == 0 {
			continue
		}
		log.Printf("stream %d received:\n%s", e.StreamID, buf[:n])
		_, _ = st.Write(buf[:n])
	}
}
