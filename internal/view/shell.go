// Package view is the terminal front end: a line based shell over the
// reconciliation store and the backend identity.
package view

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/reconcile"
)

const help = `Commands:
  register <email> <password>   create an account and sign in
  login <email> <password>      sign in with a password
  oauth <provider>              print the sign in URL for a provider
  token <token>                 sign in with a token from the oauth callback
  whoami                        show the signed in user
  add <title...> <url>          add a bookmark
  rm <n|id>                     remove a bookmark by list number or id
  ls                            list bookmarks
  refresh                       reload bookmarks from the server
  logout                        sign out
  help                          show this help
  quit                          exit`

type (
	Identity interface {
		CurrentUser() *models.User
		OnIdentityChange(fn func(*models.User)) func()
		Register(ctx context.Context, email, password string) (*models.User, error)
		SignInWithPassword(ctx context.Context, email, password string) (*models.User, error)
		SignInWithProvider(ctx context.Context, name string) (string, error)
		UseToken(ctx context.Context, token string) (*models.User, error)
		SignOut(ctx context.Context) error
	}

	Bookmarks interface {
		SetSession(ctx context.Context, user *models.User) error
		Refetch(ctx context.Context) error
		Add(ctx context.Context, title, url string) (*models.Bookmark, error)
		Remove(ctx context.Context, id string) error
		List() []models.Bookmark
		Watch() (<-chan []models.Bookmark, func())
	}

	Shell struct {
		in     io.Reader
		auth   Identity
		store  Bookmarks
		logger *zap.SugaredLogger

		mu  sync.Mutex
		out io.Writer
	}
)

var errQuit = errors.New("quit")

func NewShell(in io.Reader, out io.Writer, auth Identity, store Bookmarks, logger *zap.SugaredLogger) *Shell {
	return &Shell{
		in:     in,
		out:    out,
		auth:   auth,
		store:  store,
		logger: logger,
	}
}

// Run reads commands until quit, end of input or ctx is done. The listing
// is redrawn whenever the store's snapshot changes.
func (s *Shell) Run(ctx context.Context) error {
	stop := s.auth.OnIdentityChange(func(u *models.User) {
		if err := s.store.SetSession(ctx, u); err != nil {
			s.logger.Warnw("set session", "error", err)
		}
		if u == nil {
			s.println("Signed out.")
		} else {
			s.printf("Signed in as %s.\n", u.Email)
		}
	})
	defer stop()

	if u := s.auth.CurrentUser(); u != nil {
		if err := s.store.SetSession(ctx, u); err != nil {
			return errors.Wrap(err, "start session")
		}
		s.printf("Signed in as %s.\n", u.Email)
	} else {
		s.println("Not signed in. Type help for commands.")
	}

	updates, cancel := s.store.Watch()
	defer cancel()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		s.follow(updates)
	}()
	defer func() {
		cancel()
		<-watchDone
	}()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return errors.Wrap(err, "read input")
		case line := <-lines:
			if err := s.Exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				s.printf("error: %v\n", err)
			}
		}
	}
}

func (s *Shell) follow(updates <-chan []models.Bookmark) {
	first := true
	for list := range updates {
		// the initial snapshot is drawn by ls on demand
		if first {
			first = false
			continue
		}
		s.render(list)
	}
}

// Exec runs a single command line.
func (s *Shell) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		s.println(help)
	case "quit", "exit":
		return errQuit
	case "register", "login":
		if len(args) != 2 {
			return errors.Errorf("usage: %s <email> <password>", cmd)
		}
		var err error
		if cmd == "register" {
			_, err = s.auth.Register(ctx, args[0], args[1])
		} else {
			_, err = s.auth.SignInWithPassword(ctx, args[0], args[1])
		}
		return err
	case "oauth":
		if len(args) != 1 {
			return errors.New("usage: oauth <provider>")
		}
		u, err := s.auth.SignInWithProvider(ctx, args[0])
		if err != nil {
			return err
		}
		s.printf("Open %s\nthen run: token <token>\n", u)
	case "token":
		if len(args) != 1 {
			return errors.New("usage: token <token>")
		}
		_, err := s.auth.UseToken(ctx, args[0])
		return err
	case "whoami":
		if u := s.auth.CurrentUser(); u != nil {
			s.printf("%s (%s)\n", u.Email, u.ID)
		} else {
			s.println("Not signed in.")
		}
	case "logout":
		return s.auth.SignOut(ctx)
	case "ls":
		if s.auth.CurrentUser() == nil {
			return reconcile.ErrNoSession
		}
		s.render(s.store.List())
	case "refresh":
		return s.store.Refetch(ctx)
	case "add":
		if len(args) < 2 {
			return errors.New("usage: add <title...> <url>")
		}
		_, err := s.store.Add(ctx, strings.Join(args[:len(args)-1], " "), args[len(args)-1])
		return err
	case "rm":
		if len(args) != 1 {
			return errors.New("usage: rm <n|id>")
		}
		id := s.resolve(args[0])
		if err := s.store.Remove(ctx, id); err != nil {
			var re *reconcile.RemoteError
			if errors.As(err, &re) {
				s.printf("Could not delete the bookmark: %v\n", re.Err)
				return nil
			}
			return err
		}
	default:
		return errors.Errorf("unknown command %q, type help", cmd)
	}
	return nil
}

// resolve maps a 1-based list number onto the bookmark id.
func (s *Shell) resolve(arg string) string {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return arg
	}
	list := s.store.List()
	if n < 1 || n > len(list) {
		return arg
	}
	return list[n-1].ID
}

func (s *Shell) render(list []models.Bookmark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := Render(s.out, list); err != nil {
		s.logger.Warnw("render", "error", err)
	}
}

func (s *Shell) println(a ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, a...)
}

func (s *Shell) printf(format string, a ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, a...)
}
