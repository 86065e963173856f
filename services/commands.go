package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"psamonitor/metrics"
	"psamonitor/models"

	"go.uber.org/zap"
)

// PlantQueries is the read surface the bot exposes to authorized users.
type PlantQueries interface {
	PlantOverview(ctx context.Context) ([]*PlantStatus, error)
	PlantStatus(ctx context.Context, plantID string) (*PlantStatus, error)
	Stats(ctx context.Context, plantID string, from, to time.Time) (*PlantStats, error)
	Equipment(ctx context.Context, plantID string) ([]*models.Equipment, error)
	RecentEvents(ctx context.Context, plantID string, since time.Time, limit int) ([]*models.AlarmEvent, error)
}

var statsPeriods = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
}

const recentAlarmsLimit = 20

// BotCommandRouter turns chat messages into replies. Every command passes
// through the broker before its handler runs.
type BotCommandRouter struct {
	broker   *AuthorizationBroker
	queries  PlantQueries
	notifier Sender
	logger   *zap.Logger
	clock    Clock
	location *time.Location
}

func NewBotCommandRouter(broker *AuthorizationBroker, queries PlantQueries, notifier Sender, timezone string, logger *zap.Logger) *BotCommandRouter {
	return &BotCommandRouter{
		broker:   broker,
		queries:  queries,
		notifier: notifier,
		logger:   logger,
		clock:    systemClock{},
		location: loadLocation(timezone, logger),
	}
}

// WithClock overrides the clock used for query windows.
func (r *BotCommandRouter) WithClock(clock Clock) *BotCommandRouter {
	r.clock = clock
	return r
}

// Handle processes one inbound message and returns the HTML reply.
func (r *BotCommandRouter) Handle(ctx context.Context, chatID int64, username, text string) string {
	command, args := parseCommand(text)

	identity, created, err := r.broker.Contact(ctx, chatID, username)
	if err != nil {
		r.logger.Error("Failed to register chat contact", zap.Int64("chat_id", chatID), zap.Error(err))
		return internalErrorMessage
	}
	if created && !identity.IsAuthorized() {
		metrics.IncBotCommand(metricCommand(command), "onboarded")
		return pendingMessage(chatID)
	}
	if command == "" {
		return "Usa /ayuda para ver los comandos disponibles."
	}

	identity, err = r.broker.Check(ctx, chatID, command)
	if err != nil {
		if errors.Is(err, models.ErrForbidden) {
			metrics.IncBotCommand(metricCommand(command), "forbidden")
			r.logger.Info("Bot command forbidden",
				zap.Int64("chat_id", chatID),
				zap.String("command", command))
			return forbiddenMessage(identity, command)
		}
		r.logger.Error("Failed to check command access", zap.Int64("chat_id", chatID), zap.Error(err))
		return internalErrorMessage
	}

	reply, err := r.dispatch(ctx, identity, command, args)
	if err != nil {
		metrics.IncBotCommand(metricCommand(command), "error")
		return r.errorReply(chatID, command, err)
	}
	metrics.IncBotCommand(metricCommand(command), "ok")
	return reply
}

// parseCommand splits "/cmd@bot a b" into "/cmd" and its arguments.
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}
	command := fields[0]
	if i := strings.Index(command, "@"); i > 0 {
		command = command[:i]
	}
	return strings.ToLower(command), fields[1:]
}

// metricCommand keeps the metric label set closed.
func metricCommand(command string) string {
	if _, ok := commandAccess[command]; ok {
		return command
	}
	return "other"
}

func (r *BotCommandRouter) dispatch(ctx context.Context, identity *models.ChatIdentity, command string, args []string) (string, error) {
	switch command {
	case "/start":
		return startMessage(identity), nil
	case "/ayuda":
		return helpMessage(identity), nil
	case "/estado":
		plants, err := r.queries.PlantOverview(ctx)
		if err != nil {
			return "", err
		}
		return formatPlantOverview(plants, r.location), nil
	case "/planta":
		plantID, err := requireArg(args, 0, "/planta <id>")
		if err != nil {
			return "", err
		}
		ps, err := r.queries.PlantStatus(ctx, plantID)
		if err != nil {
			return "", err
		}
		return formatPlantDetail(ps, r.location), nil
	case "/stats":
		return r.handleStats(ctx, args)
	case "/equipos":
		plantID, err := requireArg(args, 0, "/equipos <id>")
		if err != nil {
			return "", err
		}
		equipment, err := r.queries.Equipment(ctx, plantID)
		if err != nil {
			return "", err
		}
		return formatEquipment(plantID, equipment), nil
	case "/alarmas":
		plantID := ""
		if len(args) > 0 {
			plantID = args[0]
		}
		events, err := r.queries.RecentEvents(ctx, plantID, r.clock.Now().Add(-24*time.Hour), recentAlarmsLimit)
		if err != nil {
			return "", err
		}
		return formatEvents(events, r.location), nil
	case "/suscribir":
		return r.handleSubscription(ctx, identity, args, true)
	case "/desuscribir":
		return r.handleSubscription(ctx, identity, args, false)
	case "/usuarios":
		identities, err := r.broker.List(ctx)
		if err != nil {
			return "", err
		}
		return formatIdentities(identities), nil
	case "/autorizar":
		return r.handleAuthorize(ctx, identity, args)
	case "/revocar":
		targetID, err := parseChatID(args, "/revocar <chat-id>")
		if err != nil {
			return "", err
		}
		if _, err := r.broker.Revoke(ctx, identity.ChatID, targetID); err != nil {
			return "", err
		}
		return fmt.Sprintf("⛔ Acceso de <code>%d</code> revocado.", targetID), nil
	case "/reactivar":
		targetID, err := parseChatID(args, "/reactivar <chat-id>")
		if err != nil {
			return "", err
		}
		if _, err := r.broker.Reactivate(ctx, identity.ChatID, targetID); err != nil {
			return "", err
		}
		return fmt.Sprintf("⏳ <code>%d</code> vuelve a estado pendiente. Autorízalo con /autorizar.", targetID), nil
	}
	return "Comando desconocido. Usa /ayuda.", nil
}

func (r *BotCommandRouter) handleStats(ctx context.Context, args []string) (string, error) {
	plantID, err := requireArg(args, 0, "/stats <id> [1h|6h|24h|7d]")
	if err != nil {
		return "", err
	}
	period := 24 * time.Hour
	if len(args) > 1 {
		p, ok := statsPeriods[strings.ToLower(args[1])]
		if !ok {
			return "", usageError("/stats <id> [1h|6h|24h|7d]")
		}
		period = p
	}
	if _, err := r.queries.PlantStatus(ctx, plantID); err != nil {
		return "", err
	}
	to := r.clock.Now()
	stats, err := r.queries.Stats(ctx, plantID, to.Add(-period), to)
	if err != nil {
		return "", err
	}
	return formatStats(stats, r.location), nil
}

func (r *BotCommandRouter) handleSubscription(ctx context.Context, identity *models.ChatIdentity, args []string, subscribe bool) (string, error) {
	usage := "/desuscribir <id>"
	if subscribe {
		usage = "/suscribir <id>"
	}
	plantID, err := requireArg(args, 0, usage)
	if err != nil {
		return "", err
	}
	if subscribe {
		if _, err := r.queries.PlantStatus(ctx, plantID); err != nil {
			return "", err
		}
		if _, err := r.broker.Subscribe(ctx, identity.ChatID, plantID); err != nil {
			return "", err
		}
		return fmt.Sprintf("🔔 Recibirás alarmas de <code>%s</code>.", html.EscapeString(plantID)), nil
	}
	if _, err := r.broker.Unsubscribe(ctx, identity.ChatID, plantID); err != nil {
		return "", err
	}
	return fmt.Sprintf("🔕 Ya no recibirás alarmas de <code>%s</code>.", html.EscapeString(plantID)), nil
}

func (r *BotCommandRouter) handleAuthorize(ctx context.Context, identity *models.ChatIdentity, args []string) (string, error) {
	const usage = "/autorizar <chat-id> <admin|operador|lector>"
	targetID, err := parseChatID(args, usage)
	if err != nil {
		return "", err
	}
	if len(args) < 2 {
		return "", usageError(usage)
	}
	role, ok := models.ParseRole(args[1])
	if !ok {
		return "", usageError(usage)
	}

	target, err := r.broker.Authorize(ctx, identity.ChatID, targetID, role)
	if err != nil {
		return "", err
	}
	if r.notifier != nil {
		text := fmt.Sprintf("✅ Tu acceso fue aprobado con rol <b>%s</b>. Usa /ayuda para ver los comandos.", role)
		if err := r.notifier.Send(ctx, target.ChatID, text); err != nil {
			r.logger.Warn("Failed to notify authorized user", zap.Int64("chat_id", target.ChatID), zap.Error(err))
		}
	}
	return fmt.Sprintf("✅ <code>%d</code> autorizado como <b>%s</b>.", targetID, role), nil
}

type usageError string

func (u usageError) Error() string { return "uso: " + string(u) }

func requireArg(args []string, i int, usage string) (string, error) {
	if len(args) <= i || strings.TrimSpace(args[i]) == "" {
		return "", usageError(usage)
	}
	return args[i], nil
}

func parseChatID(args []string, usage string) (int64, error) {
	raw, err := requireArg(args, 0, usage)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, usageError(usage)
	}
	return id, nil
}

const internalErrorMessage = "❌ Error interno. Intenta nuevamente más tarde."

func (r *BotCommandRouter) errorReply(chatID int64, command string, err error) string {
	var usage usageError
	switch {
	case errors.As(err, &usage):
		return "Uso: " + html.EscapeString(string(usage))
	case errors.Is(err, models.ErrNotFound):
		return "❓ No encontrado."
	case errors.Is(err, models.ErrInvalidTransition):
		return "⚠️ Operación no permitida: " + html.EscapeString(err.Error())
	case errors.Is(err, models.ErrForbidden):
		return "⛔ No tienes permiso para esta operación."
	}
	r.logger.Error("Bot command failed",
		zap.Int64("chat_id", chatID),
		zap.String("command", command),
		zap.Error(err))
	return internalErrorMessage
}

func pendingMessage(chatID int64) string {
	return fmt.Sprintf("👋 Solicitud de acceso registrada.\n\nTu chat ID es <code>%d</code>. "+
		"Un administrador debe autorizarte antes de que puedas consultar las plantas.", chatID)
}

func startMessage(identity *models.ChatIdentity) string {
	switch {
	case identity.IsAuthorized():
		return fmt.Sprintf("🟢 <b>Monitoreo de plantas PSA</b>\n\nRol: <b>%s</b>. Usa /ayuda para ver los comandos.", identity.Role)
	case identity != nil && identity.Status == models.StatusRevoked:
		return "⛔ Tu acceso fue revocado. Contacta a un administrador."
	default:
		return pendingMessage(identity.ChatID)
	}
}

func forbiddenMessage(identity *models.ChatIdentity, command string) string {
	switch {
	case identity == nil || identity.Status == models.StatusPending:
		return "⏳ Tu acceso aún no fue autorizado. Espera la aprobación de un administrador."
	case identity.Status == models.StatusRevoked:
		return "⛔ Tu acceso fue revocado."
	}
	return fmt.Sprintf("⛔ %s requiere rol de administrador.", html.EscapeString(command))
}

func helpMessage(identity *models.ChatIdentity) string {
	var sb strings.Builder
	sb.WriteString("📖 <b>Comandos</b>\n\n")
	sb.WriteString("/start - registro\n/ayuda - esta ayuda\n")
	if identity.IsAuthorized() {
		sb.WriteString("/estado - estado de todas las plantas\n")
		sb.WriteString("/planta &lt;id&gt; - detalle de una planta\n")
		sb.WriteString("/stats &lt;id&gt; [1h|6h|24h|7d] - estadísticas\n")
		sb.WriteString("/equipos &lt;id&gt; - equipos de una planta\n")
		sb.WriteString("/alarmas [id] - alarmas de las últimas 24 horas\n")
		sb.WriteString("/suscribir &lt;id&gt; - recibir alarmas de una planta\n")
		sb.WriteString("/desuscribir &lt;id&gt; - dejar de recibirlas\n")
	}
	if identity.IsAdmin() {
		sb.WriteString("\n<b>Administración</b>\n")
		sb.WriteString("/usuarios - listar usuarios\n")
		sb.WriteString("/autorizar &lt;chat-id&gt; &lt;rol&gt; - autorizar o cambiar rol\n")
		sb.WriteString("/revocar &lt;chat-id&gt; - revocar acceso\n")
		sb.WriteString("/reactivar &lt;chat-id&gt; - reabrir un acceso revocado\n")
	}
	return sb.String()
}
