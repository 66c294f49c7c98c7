package notifier

import "context"

// TextNotifier 是最小的文本推送接口，Telegram 等具体实现都满足它。
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}

// Nop 丢弃所有消息，通知关闭时使用。
type Nop struct{}

func (Nop) SendText(context.Context, string) error { return nil }
