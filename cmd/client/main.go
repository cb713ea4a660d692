// Command client is an interactive terminal client for the relaychat TCP
// transport. Lines typed on stdin are sent to the server; lines received are
// printed as they arrive.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/Tyrowin/relaychat/internal/chat"
)

func main() {
	addr := flag.String("addr", "localhost:9000", "server address")
	name := flag.String("name", "", "display name sent on connect")
	flag.Parse()

	if err := run(*addr, *name, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "client: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, name string, in io.Reader, out io.Writer) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()

	if name = strings.TrimSpace(name); name != "" {
		if err := chat.WriteFull(conn, []byte("NAME:"+name+"\n")); err != nil {
			return fmt.Errorf("send name: %w", err)
		}
	}

	recvDone := make(chan error, 1)
	go func() {
		recvDone <- receive(conn, out)
	}()

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- send(in, conn)
	}()

	select {
	case err := <-recvDone:
		if err == nil {
			fmt.Fprintln(out, "server closed the connection")
		}
		return err
	case err := <-sendDone:
		// stdin is done; let the server see the close.
		return err
	}
}

func receive(conn net.Conn, out io.Writer) error {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		fmt.Fprintln(out, sc.Text())
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func send(in io.Reader, conn net.Conn) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := chat.WriteFull(conn, []byte(line+"\n")); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
	return sc.Err()
}
