package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tg/e2e"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"mtproto_core/internal/cryptographic/rsakey"
	"mtproto_core/internal/model"
	"mtproto_core/internal/protocol/secretchat"
	"mtproto_core/internal/service/datacenter"
	"mtproto_core/internal/tl"
	"mtproto_core/internal/transport"
	"mtproto_core/internal/utils/log"
)

type (
	Options struct {
		URL        string
		DC         int
		PublicKeys []rsakey.PublicKey
		Keys       datacenter.KeyStore
		Chats      secretchat.Store

		TempKeyTTL    int
		AuthMaxTries  int
		QueryMaxTries int
		Timeout       time.Duration

		// Accept makes incoming secret chats accepted automatically.
		Accept bool
	}

	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		opt  Options
		log  *zap.Logger
		user *model.User
		dc   *datacenter.DC
		chat *secretchat.Manager

		mu     sync.Mutex
		chatID int
		toName string
		ui     bool
	}
)

func NewApp(opt Options) *App {
	return &App{
		app: tview.NewApplication(),
		opt: opt,
		log: log.Named("app"),
	}
}

func (c *App) Run(ctx context.Context, name string) error {
	conn, err := transport.Dial(ctx, c.opt.URL, name)
	if err != nil {
		return err
	}
	c.dc = datacenter.New(conn, datacenter.Options{
		DC:            c.opt.DC,
		PublicKeys:    c.opt.PublicKeys,
		Keys:          c.opt.Keys,
		TempKeyTTL:    c.opt.TempKeyTTL,
		AuthMaxTries:  c.opt.AuthMaxTries,
		QueryMaxTries: c.opt.QueryMaxTries,
		Timeout:       c.opt.Timeout,
		Logger:        c.log.Named("dc"),
		OnUpdate:      c.onUpdate,
	})
	c.chat = secretchat.NewManager(c.dc, c.opt.Chats, secretchat.Options{
		Logger:    c.log.Named("secret"),
		Accept:    c.opt.Accept,
		OnMessage: c.onMessage,
		OnChat:    c.onChat,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := c.dc.Run(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("Connection lost", zap.Error(err))
			c.app.Stop()
		}
	}()

	if err := c.dc.InitAuthorization(ctx); err != nil {
		return err
	}
	if c.user, err = c.getUser(ctx, name); err != nil {
		return err
	}

	var toName string
	fmt.Print("Enter recipient's name (empty to wait for a chat): ")
	_, _ = fmt.Scanln(&toName)
	if toName != "" {
		if err := c.requestChat(ctx, toName); err != nil {
			return err
		}
	}

	return c.renderUI(ctx)
}

func (c *App) requestChat(ctx context.Context, toName string) error {
	to, err := c.getUser(ctx, toName)
	if err != nil {
		return err
	}
	id, err := c.chat.Request(ctx, tg.InputUser{UserID: to.UserID})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.chatID, c.toName = id, toName
	c.mu.Unlock()
	c.log.Info("Secret chat requested", zap.String("to", toName), zap.Int("chat_id", id))
	return nil
}

func (c *App) Stop() {
	if c.dc != nil {
		_ = c.dc.Close()
	}
}

func (c *App) current() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID, c.toName
}

// blocking function
func (c *App) renderUI(ctx context.Context) error {
	_, toName := c.current()
	title := " Waiting for a secret chat "
	if toName != "" {
		title = fmt.Sprintf(" Secret chat with %s ", toName)
	}

	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(title)

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message (/key, /rekey, /discard) ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")

		go func(msg string) {
			if err := c.command(ctx, msg); err != nil {
				c.print("[red]Error:[-] %s", err)
			}
		}(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	c.mu.Lock()
	c.ui = true
	c.mu.Unlock()
	return c.app.SetRoot(layout, true).SetFocus(c.input).Run()
}

func (c *App) command(ctx context.Context, text string) error {
	id, _ := c.current()
	if id == 0 {
		return errors.New("no secret chat yet")
	}

	switch strings.TrimSpace(text) {
	case "/key":
		chat, err := c.chat.Get(ctx, id)
		if err != nil {
			return err
		}
		c.print("[blue]Key:[-] %s", hex.EncodeToString(chat.Key.VisualizationOrig))
		c.print("[blue]Key (layer 46):[-] %s", hex.EncodeToString(chat.Key.Visualization46))
		return nil
	case "/rekey":
		exchangeID, err := c.chat.Rekey(ctx, id)
		if err != nil {
			return err
		}
		c.print("[blue]Rekeying:[-] exchange %d", exchangeID)
		return nil
	case "/discard":
		return c.chat.Discard(ctx, id)
	}

	if err := c.chat.Send(ctx, id, text); err != nil {
		return err
	}
	c.print("[yellow]You:[-] %s", text)
	return nil
}

func (c *App) print(format string, args ...any) {
	c.mu.Lock()
	ui := c.ui
	c.mu.Unlock()
	if !ui {
		c.log.Info(fmt.Sprintf(format, args...))
		return
	}
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, format+"\n", args...)
		c.chatbox.ScrollToEnd()
	})
}

func (c *App) onUpdate(ctx context.Context, upd tl.Object) {
	if err := c.chat.HandleUpdate(ctx, upd); err != nil {
		c.log.Warn("Update failed", zap.Error(err))
	}
}

func (c *App) onMessage(chatID int, msg *e2e.DecryptedMessage) {
	_, toName := c.current()
	if toName == "" {
		toName = fmt.Sprintf("chat %d", chatID)
	}
	c.print("[green]%s:[-] %s", toName, msg.Message)
}

func (c *App) onChat(chatID int, status model.ChatStatus) {
	c.mu.Lock()
	switch {
	case status == model.ChatActive && c.chatID == 0:
		c.chatID = chatID
	case status == model.ChatNone && c.chatID == chatID:
		c.chatID, c.toName = 0, ""
	}
	c.mu.Unlock()

	c.print("[blue]Chat %d is %s[-]", chatID, status)
}
