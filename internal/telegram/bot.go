package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/digkill/genstudio/internal/config"
	"github.com/digkill/genstudio/internal/models"
	"github.com/digkill/genstudio/internal/pricing"
	"github.com/digkill/genstudio/internal/provider"
	"github.com/digkill/genstudio/internal/service"
	"github.com/digkill/genstudio/internal/storage"
)

var errReferenceNotImage = errors.New("reference not image")

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Accounts interface {
	Ensure(ctx context.Context, telegramID int64, username, firstName, lastName string) (*models.User, bool, error)
}

type Engine interface {
	Start(ctx context.Context, req service.StartRequest) (*models.Generation, error)
	WaitForCompletion(ctx context.Context, id string) (*models.Generation, error)
	ReconcileAllForUser(ctx context.Context, userID int64) ([]models.Generation, error)
	ClearQueue(ctx context.Context, userID int64) (int, error)
}

type Balances interface {
	Balance(ctx context.Context, userID int64) (int, error)
}

type Promos interface {
	Redeem(ctx context.Context, userID int64, code string) (service.LedgerOutcome, error)
}

type Payments interface {
	ResolvePlan(ctx context.Context, planID int64) (*models.Plan, error)
	CreateYooKassaPayment(ctx context.Context, userID, planID int64) (*service.Checkout, error)
	RecordTelegramPayment(ctx context.Context, userID int64, p service.TelegramPayment) (service.BillingResult, error)
}

type ImageStorage interface {
	Upload(ctx context.Context, dir string, data []byte, contentType string) (storage.Object, error)
}

type Deps struct {
	Accounts Accounts
	Engine   Engine
	Balances Balances
	Promos   Promos
	Payments Payments
	Storage  ImageStorage
}

type Bot struct {
	cfg        config.Config
	api        *tgbotapi.BotAPI
	out        sender
	log        zerolog.Logger
	accounts   Accounts
	engine     Engine
	balances   Balances
	promos     Promos
	payments   Payments
	storage    ImageStorage
	refs       *References
	httpClient *http.Client
	waiters    sync.WaitGroup
}

func NewBot(cfg config.Config, api *tgbotapi.BotAPI, log zerolog.Logger, deps Deps) *Bot {
	return &Bot{
		cfg:        cfg,
		api:        api,
		out:        api,
		log:        log.With().Str("component", "telegram").Logger(),
		accounts:   deps.Accounts,
		engine:     deps.Engine,
		balances:   deps.Balances,
		promos:     deps.Promos,
		payments:   deps.Payments,
		storage:    deps.Storage,
		refs:       NewReferences(),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Run consumes updates until ctx is cancelled, then waits for in-flight result
// deliveries. Deliveries cut short by shutdown are settled by the sweeper.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info().Str("bot", b.api.Self.UserName).Msg("telegram bot started")

	for {
		select {
		case update := <-updates:
			b.handleUpdate(ctx, update)
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.waiters.Wait()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.PreCheckoutQuery != nil:
		b.handlePreCheckout(ctx, update.PreCheckoutQuery)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.SuccessfulPayment != nil {
		b.handleSuccessfulPayment(ctx, msg)
		return
	}

	if len(msg.Photo) > 0 || msg.Document != nil {
		if err := b.handleReferenceImage(ctx, msg); err != nil {
			if errors.Is(err, errReferenceNotImage) {
				b.sendText(msg.Chat.ID, "Это не изображение. Пришлите фото или картинку.")
			} else {
				b.log.Error().Err(err).Msg("reference upload failed")
				b.sendText(msg.Chat.ID, "Не удалось сохранить референс, попробуйте снова.")
			}
		}
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}
	b.sendText(msg.Chat.ID, "Используйте /image, /video или /audio. Список команд: /start")
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error().Err(err).Str("command", msg.Command()).Msg("ensure user")
		b.sendText(msg.Chat.ID, "Сервис временно недоступен, попробуйте позже.")
		return
	}
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		b.sendText(msg.Chat.ID, fmt.Sprintf(
			"Привет, %s!\n\nИзображение стоит %d кредитов, видео от 25 кредитов, аудио 2 кредита за 30 секунд.\n\n"+
				"Команды:\n/image <промпт> — изображение\n/video <сек> <промпт> — видео\n/audio <сек> <текст> — озвучка\n"+
				"/upscale — улучшить референс\n/reimagine <промпт> — переосмыслить референс\n"+
				"/status — статус генераций\n/clear — очистить очередь\n/clearrefs — очистить референсы\n"+
				"/promo <код> — активировать промокод\n/balance — баланс\n/buy — купить кредиты\n\n"+
				"Пришлите фото перед /image или /video, чтобы использовать его как референс.",
			user.FirstName, pricing.FixedImageCost,
		))
	case "balance":
		b.handleBalance(ctx, user, msg.Chat.ID)
	case "image":
		kind := models.KindImageFromText
		if len(b.refs.Get(msg.Chat.ID)) > 0 {
			kind = models.KindImageFromImage
		}
		b.startGeneration(ctx, user, msg, kind, args, nil)
	case "video":
		seconds, prompt, err := splitDuration(args)
		if err != nil {
			b.sendText(msg.Chat.ID, "Формат: /video <секунды> <промпт>, например /video 5 закат над морем")
			return
		}
		kind := models.KindVideoFromText
		if len(b.refs.Get(msg.Chat.ID)) > 0 {
			kind = models.KindVideoFromImage
		}
		b.startGeneration(ctx, user, msg, kind, prompt, &seconds)
	case "audio":
		seconds, text, err := splitDuration(args)
		if err != nil {
			b.sendText(msg.Chat.ID, "Формат: /audio <секунды> <текст>")
			return
		}
		b.startGeneration(ctx, user, msg, models.KindAudioFromText, text, &seconds)
	case "upscale":
		b.startFromReference(ctx, user, msg, models.KindImageUpscale, args)
	case "reimagine":
		b.startFromReference(ctx, user, msg, models.KindImageReimagine, args)
	case "status":
		b.handleStatus(ctx, user, msg.Chat.ID)
	case "clear":
		b.handleClear(ctx, user, msg.Chat.ID)
	case "clearrefs":
		b.refs.Clear(msg.Chat.ID)
		b.sendText(msg.Chat.ID, "Референсы очищены.")
	case "promo":
		b.handlePromo(ctx, user, msg.Chat.ID, args)
	case "buy":
		b.handleBuy(ctx, user, msg.Chat.ID, args)
	default:
		b.sendText(msg.Chat.ID, "Неизвестная команда. Список команд: /start")
	}
}

// splitDuration parses "<seconds> <text>".
func splitDuration(args string) (int, string, error) {
	head, rest, _ := strings.Cut(strings.TrimSpace(args), " ")
	seconds, err := strconv.Atoi(head)
	if err != nil || seconds <= 0 {
		return 0, "", fmt.Errorf("invalid duration %q", head)
	}
	return seconds, strings.TrimSpace(rest), nil
}

func (b *Bot) startFromReference(ctx context.Context, user *models.User, msg *tgbotapi.Message, kind models.GenerationKind, prompt string) {
	if len(b.refs.Get(msg.Chat.ID)) == 0 {
		b.sendText(msg.Chat.ID, "Сначала пришлите изображение-референс.")
		return
	}
	b.startGeneration(ctx, user, msg, kind, prompt, nil)
}

func (b *Bot) startGeneration(ctx context.Context, user *models.User, msg *tgbotapi.Message, kind models.GenerationKind, prompt string, seconds *int) {
	chatID := msg.Chat.ID
	cost, err := pricing.Cost(kind, seconds)
	if err != nil {
		b.sendText(chatID, "Некорректная длительность.")
		return
	}

	req := service.StartRequest{
		UserID:          user.ID,
		Kind:            kind,
		Prompt:          prompt,
		DurationSeconds: seconds,
		OwnerRef:        fmt.Sprintf("tg:%d:%d", chatID, msg.MessageID),
		Inputs:          provider.Inputs{ImageURLs: b.refs.Get(chatID)},
	}
	rec, err := b.engine.Start(ctx, req)
	switch {
	case errors.Is(err, service.ErrInsufficientCredits):
		b.sendText(chatID, fmt.Sprintf("Недостаточно кредитов: нужно %d. Используйте /buy или /promo.", cost))
		return
	case errors.Is(err, service.ErrInvalidInput):
		b.sendText(chatID, "Некорректный запрос: "+err.Error())
		return
	case errors.Is(err, provider.ErrProviderRejected), errors.Is(err, provider.ErrProviderUnavailable):
		b.log.Warn().Err(err).Int64("user_id", user.ID).Str("kind", string(kind)).Msg("provider refused generation")
		b.sendText(chatID, fmt.Sprintf("Сервис генерации не принял запрос. %d кредитов возвращено.", cost))
		return
	case err != nil:
		b.log.Error().Err(err).Int64("user_id", user.ID).Str("kind", string(kind)).Msg("start generation")
		b.sendText(chatID, "Не удалось запустить генерацию, попробуйте позже.")
		return
	}

	b.refs.Clear(chatID)
	b.sendText(chatID, fmt.Sprintf("Генерация запущена, списано %d кредитов. Пришлю результат, как только он будет готов.", rec.Cost))

	b.waiters.Add(1)
	go func() {
		defer b.waiters.Done()
		b.awaitResult(ctx, chatID, rec.ID)
	}()
}

func (b *Bot) awaitResult(ctx context.Context, chatID int64, id string) {
	rec, err := b.engine.WaitForCompletion(ctx, id)
	if errors.Is(err, context.Canceled) {
		return
	}
	if rec == nil {
		b.log.Error().Err(err).Str("generation_id", id).Msg("wait for completion")
		b.sendText(chatID, "Не удалось получить статус генерации. Проверьте позже через /status.")
		return
	}
	b.deliver(chatID, rec)
}

func (b *Bot) deliver(chatID int64, rec *models.Generation) {
	if rec.Status == models.StatusFailed {
		// a record cleared after completion keeps its charge
		if rec.CompletedAt != nil {
			b.sendText(chatID, fmt.Sprintf("Генерация отменена: %s.", rec.ErrorMessage))
			return
		}
		b.sendText(chatID, fmt.Sprintf("Генерация не удалась: %s. %d кредитов возвращено.", rec.ErrorMessage, rec.Cost))
		return
	}
	urls := rec.ResultURLs
	if len(urls) == 0 && rec.ResultURL != "" {
		urls = []string{rec.ResultURL}
	}
	for i, url := range urls {
		file := tgbotapi.FileURL(url)
		var media tgbotapi.Chattable
		caption := ""
		if i == 0 {
			caption = fmt.Sprintf("Готово: %s", rec.Kind)
		}
		switch rec.Kind.Media() {
		case models.MediaVideo:
			v := tgbotapi.NewVideo(chatID, file)
			v.Caption = caption
			media = v
		case models.MediaAudio:
			a := tgbotapi.NewAudio(chatID, file)
			a.Caption = caption
			media = a
		default:
			p := tgbotapi.NewPhoto(chatID, file)
			p.Caption = caption
			media = p
		}
		if _, err := b.out.Send(media); err != nil {
			b.log.Error().Err(err).Str("generation_id", rec.ID).Msg("send result")
			b.sendText(chatID, "Результат: "+url)
		}
	}
}

func (b *Bot) handleBalance(ctx context.Context, user *models.User, chatID int64) {
	balance, err := b.balances.Balance(ctx, user.ID)
	if err != nil {
		b.log.Error().Err(err).Int64("user_id", user.ID).Msg("balance")
		b.sendText(chatID, "Не удалось получить баланс, попробуйте позже.")
		return
	}
	b.sendText(chatID, fmt.Sprintf("Баланс: %d кредитов", balance))
}

func (b *Bot) handleStatus(ctx context.Context, user *models.User, chatID int64) {
	recs, err := b.engine.ReconcileAllForUser(ctx, user.ID)
	if err != nil {
		b.log.Warn().Err(err).Int64("user_id", user.ID).Msg("reconcile for status")
	}
	if len(recs) == 0 {
		if err != nil {
			b.sendText(chatID, "Не удалось проверить статус, попробуйте позже.")
			return
		}
		b.sendText(chatID, "Активных генераций нет.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Генерации:\n")
	for _, rec := range recs {
		fmt.Fprintf(&sb, "• %s %s: %s\n", shortID(rec.ID), rec.Kind, statusLabel(rec.Status))
	}
	b.sendText(chatID, sb.String())
}

func (b *Bot) handleClear(ctx context.Context, user *models.User, chatID int64) {
	b.refs.Clear(chatID)
	cleared, err := b.engine.ClearQueue(ctx, user.ID)
	if err != nil {
		b.log.Error().Err(err).Int64("user_id", user.ID).Msg("clear queue")
		b.sendText(chatID, "Не удалось очистить очередь, попробуйте позже.")
		return
	}
	b.sendText(chatID, fmt.Sprintf("Очередь очищена: %d. Незавершённые генерации возвращены на баланс.", cleared))
}

func (b *Bot) handlePromo(ctx context.Context, user *models.User, chatID int64, code string) {
	if code == "" {
		b.sendText(chatID, "Формат: /promo КОД")
		return
	}
	out, err := b.promos.Redeem(ctx, user.ID, code)
	switch {
	case errors.Is(err, service.ErrPromoInvalid):
		b.sendText(chatID, "Промокод недействителен.")
	case errors.Is(err, service.ErrPromoAlreadyRedeemed):
		b.sendText(chatID, "Этот промокод уже использован.")
	case errors.Is(err, service.ErrPromoExhausted):
		b.sendText(chatID, "Лимит активаций промокода исчерпан.")
	case err != nil:
		b.log.Error().Err(err).Int64("user_id", user.ID).Msg("apply promo")
		b.sendText(chatID, "Не удалось применить промокод, попробуйте позже.")
	default:
		b.sendText(chatID, fmt.Sprintf("Промокод активирован! Баланс: %d кредитов.", out.Balance))
	}
}

// handleBuy sends a Telegram invoice or a YooKassa link depending on the configured provider.
func (b *Bot) handleBuy(ctx context.Context, user *models.User, chatID int64, args string) {
	var planID int64
	if args != "" {
		id, err := strconv.ParseInt(args, 10, 64)
		if err != nil || id <= 0 {
			b.sendText(chatID, "Формат: /buy [номер тарифа]")
			return
		}
		planID = id
	}

	var err error
	switch b.cfg.PaymentProvider {
	case "telegram", "":
		err = b.sendTelegramInvoice(ctx, chatID, planID)
	case "yookassa":
		err = b.sendYooKassaLink(ctx, user, chatID, planID)
	default:
		err = fmt.Errorf("unsupported payment provider: %s", b.cfg.PaymentProvider)
	}
	if errors.Is(err, service.ErrPlanNotFound) {
		b.sendText(chatID, "Тариф не найден.")
		return
	}
	if err != nil {
		b.log.Error().Err(err).Int64("user_id", user.ID).Msg("send invoice")
		b.sendText(chatID, "Не удалось отправить счет. Попробуйте позже.")
	}
}

func (b *Bot) sendTelegramInvoice(ctx context.Context, chatID, planID int64) error {
	plan, err := b.payments.ResolvePlan(ctx, planID)
	if err != nil {
		return err
	}
	description := plan.Description
	if description == "" {
		description = "Пополнение баланса"
	}
	prices := []tgbotapi.LabeledPrice{{Label: fmt.Sprintf("%d кредитов", plan.Credits), Amount: plan.PriceMinorUnits}}
	invoice := tgbotapi.NewInvoice(chatID,
		plan.Title,
		description,
		service.InvoicePayload(plan.ID),
		b.cfg.TelegramPaymentToken,
		"topup",
		plan.Currency,
		prices,
	)
	if _, err := b.out.Send(invoice); err != nil {
		return fmt.Errorf("send invoice: %w", err)
	}
	return nil
}

func (b *Bot) sendYooKassaLink(ctx context.Context, user *models.User, chatID, planID int64) error {
	checkout, err := b.payments.CreateYooKassaPayment(ctx, user.ID, planID)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Оплата через ЮKassa:\nПлан: %s\nСумма: %.2f %s\nСсылка на оплату: %s\nПосле оплаты кредиты будут добавлены автоматически.",
		checkout.Plan.Title, float64(checkout.Plan.PriceMinorUnits)/100, checkout.Plan.Currency, checkout.ConfirmationURL)
	b.sendText(chatID, text)
	return nil
}

func (b *Bot) handlePreCheckout(ctx context.Context, query *tgbotapi.PreCheckoutQuery) {
	answer := tgbotapi.PreCheckoutConfig{PreCheckoutQueryID: query.ID, OK: true}
	var payload struct {
		PlanID int64 `json:"plan_id"`
	}
	if err := json.Unmarshal([]byte(query.InvoicePayload), &payload); err != nil {
		answer.OK, answer.ErrorMessage = false, "Некорректный счет."
	} else if _, err := b.payments.ResolvePlan(ctx, payload.PlanID); err != nil {
		answer.OK, answer.ErrorMessage = false, "Тариф больше недоступен."
	}
	if _, err := b.out.Request(answer); err != nil {
		b.log.Error().Err(err).Msg("answer pre-checkout")
	}
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error().Err(err).Msg("ensure user payment")
		return
	}
	paid := msg.SuccessfulPayment
	raw, _ := json.Marshal(paid)
	res, err := b.payments.RecordTelegramPayment(ctx, user.ID, service.TelegramPayment{
		InvoicePayload: paid.InvoicePayload,
		ChargeID:       paid.TelegramPaymentChargeID,
		Currency:       paid.Currency,
		TotalAmount:    paid.TotalAmount,
		Raw:            string(raw),
	})
	if err != nil {
		b.log.Error().Err(err).Int64("user_id", user.ID).Str("charge_id", paid.TelegramPaymentChargeID).Msg("process successful payment")
		b.sendText(msg.Chat.ID, "Оплата получена, но кредиты не зачислены. Мы разберемся и начислим их вручную.")
		return
	}
	b.sendText(msg.Chat.ID, fmt.Sprintf("Оплата успешно получена! Баланс: %d кредитов.", res.Balance))
}

func (b *Bot) handleReferenceImage(ctx context.Context, msg *tgbotapi.Message) error {
	var fileID string
	switch {
	case len(msg.Photo) > 0:
		fileID = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Document != nil:
		if mt := strings.ToLower(msg.Document.MimeType); mt != "" && !strings.HasPrefix(mt, "image/") {
			return errReferenceNotImage
		}
		fileID = msg.Document.FileID
	default:
		return nil
	}

	data, contentType, err := b.downloadFile(ctx, fileID)
	if err != nil {
		return err
	}
	obj, err := b.storage.Upload(ctx, "references", data, contentType)
	if err != nil {
		return err
	}
	count := b.refs.Add(msg.Chat.ID, obj.URL)
	b.sendText(msg.Chat.ID, fmt.Sprintf("Референс сохранён (%d/%d). Теперь отправьте /image, /video, /upscale или /reimagine.", count, maxReferenceImages))
	return nil
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("file path empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(b.api.Token), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}
	ct, err := normalizeImageContentType(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, "", err
	}
	return body, ct, nil
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User, chatID int64) (*models.User, bool, error) {
	telegramID := chatID
	var username, firstName, lastName string
	if from != nil {
		telegramID = from.ID
		username, firstName, lastName = from.UserName, from.FirstName, from.LastName
	}
	return b.accounts.Ensure(ctx, telegramID, username, firstName, lastName)
}

func (b *Bot) sendText(chatID int64, text string) {
	if _, err := b.out.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.log.Error().Err(err).Int64("chat_id", chatID).Msg("send text")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func statusLabel(s models.GenerationStatus) string {
	switch s {
	case models.StatusPending:
		return "в очереди"
	case models.StatusProcessing:
		return "в работе"
	case models.StatusCompleted:
		return "готово"
	case models.StatusFailed:
		return "ошибка"
	}
	return string(s)
}

func normalizeImageContentType(headerCT string, data []byte) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(headerCT))
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	if ct == "" || ct == "application/octet-stream" || !strings.HasPrefix(ct, "image/") {
		if len(data) > 0 {
			ct = http.DetectContentType(data)
			if idx := strings.Index(ct, ";"); idx > 0 {
				ct = ct[:idx]
			}
		}
	}

	switch ct {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", nil
	case "image/png":
		return "image/png", nil
	case "image/webp":
		return "image/webp", nil
	default:
		return "", errReferenceNotImage
	}
}
