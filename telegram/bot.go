package telegram

import (
	"evsim/internal"
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
)

// TgBot implements EventHandler, forwarding transaction and fault events to
// a single configured chat. Session update events are deliberately not
// forwarded, they are far too chatty for a messenger.
type TgBot struct {
	api    *tgbotapi.BotAPI
	chatId int64
	event  chan string
	status func() string
}

func NewBot(apiKey string, chatId int64) (*TgBot, error) {
	api, err := tgbotapi.NewBotAPI(apiKey)
	if err != nil {
		return nil, err
	}
	return &TgBot{
		api:    api,
		chatId: chatId,
		event:  make(chan string, 100),
	}, nil
}

// SetStatusProvider attaches the callback answering the /status command.
func (b *TgBot) SetStatusProvider(status func() string) {
	b.status = status
}

func (b *TgBot) Start() {
	go b.eventPump()
	go b.updatesPump()
}

func (b *TgBot) updatesPump() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates, err := b.api.GetUpdatesChan(u)
	if err != nil {
		log.Printf("bot: error getting updates: %v", err)
		return
	}
	for update := range updates {
		if update.Message == nil {
			continue
		}
		if !update.Message.IsCommand() {
			continue
		}
		switch update.Message.Command() {
		case "status":
			text := "no sessions"
			if b.status != nil {
				text = b.status()
			}
			b.sendMessage(update.Message.Chat.ID, text)
		case "test":
			b.sendMessage(update.Message.Chat.ID, "simulator is up")
		}
	}
}

func (b *TgBot) eventPump() {
	for text := range b.event {
		b.sendMessage(b.chatId, text)
	}
}

func (b *TgBot) sendMessage(id int64, text string) {
	if id == 0 {
		return
	}
	msg := tgbotapi.NewMessage(id, text)
	_, err := b.api.Send(msg)
	if err != nil {
		log.Printf("bot: error sending message: %v", err)
	}
}

func (b *TgBot) queue(text string) {
	select {
	case b.event <- text:
	default:
	}
}

func (b *TgBot) OnSessionUpdate(event *internal.EventMessage) {
}

func (b *TgBot) OnTransactionStart(event *internal.EventMessage) {
	b.queue(fmt.Sprintf("%s: transaction %d started, connector %d, tag %s",
		event.ChargePointId, event.TransactionId, event.ConnectorId, event.IdTag))
}

func (b *TgBot) OnTransactionStop(event *internal.EventMessage) {
	b.queue(fmt.Sprintf("%s: transaction %d stopped, %s",
		event.ChargePointId, event.TransactionId, event.Info))
}

func (b *TgBot) OnFault(event *internal.EventMessage) {
	b.queue(fmt.Sprintf("%s: fault in state %s, %s",
		event.ChargePointId, event.State, event.Info))
}
