package services

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"psamonitor/models"

	"go.uber.org/zap"
)

const displayTimeLayout = "2006-01-02 15:04:05"

// loadLocation resolves the operator timezone, falling back to UTC.
func loadLocation(name string, logger *zap.Logger) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Warn("Unknown timezone, using UTC", zap.String("timezone", name), zap.Error(err))
		return time.UTC
	}
	return loc
}

// formatAlarmMessage builds the chat notification for one alarm event
func formatAlarmMessage(event *models.AlarmEvent, plantName string, loc *time.Location) string {
	var sb strings.Builder

	switch {
	case event.To == models.LevelUnknown:
		sb.WriteString("⚪ <b>PLANTA SIN DATOS</b>\n\n")
	case event.IsEscalation():
		sb.WriteString(fmt.Sprintf("🚨 <b>ALARMA %s</b> 🚨\n\n", strings.ToUpper(event.To.DisplayName())))
	default:
		sb.WriteString("✅ <b>RECUPERACIÓN</b>\n\n")
	}

	if plantName == "" {
		plantName = models.DefaultPlantName(event.PlantID)
	}
	sb.WriteString(fmt.Sprintf("🏥 <b>Planta:</b> %s (<code>%s</code>)\n", html.EscapeString(plantName), html.EscapeString(event.PlantID)))
	sb.WriteString(fmt.Sprintf("🔀 <b>Línea:</b> %s\n", html.EscapeString(event.LineID)))
	sb.WriteString(fmt.Sprintf("🕐 <b>Hora:</b> %s\n\n", event.At.In(loc).Format(displayTimeLayout)))

	sb.WriteString(fmt.Sprintf("%s %s → %s %s\n",
		event.From.GetLevelEmoji(), event.From.DisplayName(),
		event.To.GetLevelEmoji(), event.To.DisplayName()))
	if event.Reason != "" {
		sb.WriteString(fmt.Sprintf("   └ %s\n", html.EscapeString(event.Reason)))
	}

	if event.IsEscalation() {
		sb.WriteString("\n💡 <b>Acción:</b> verifique la planta y el suministro de respaldo.")
	}
	return sb.String()
}

func formatPlantOverview(plants []*PlantStatus, loc *time.Location) string {
	if len(plants) == 0 {
		return "No hay plantas registradas."
	}
	var sb strings.Builder
	sb.WriteString("📊 <b>ESTADO DE PLANTAS</b>\n\n")
	for _, ps := range plants {
		sb.WriteString(fmt.Sprintf("%s <b>%s</b> (<code>%s</code>): %s\n",
			ps.Level.GetLevelEmoji(),
			html.EscapeString(ps.Plant.Name),
			html.EscapeString(ps.Plant.ID),
			ps.Level.DisplayName()))
		if !ps.Plant.LastSeen.IsZero() {
			sb.WriteString(fmt.Sprintf("   └ última lectura %s\n", ps.Plant.LastSeen.In(loc).Format(displayTimeLayout)))
		}
	}
	return sb.String()
}

func formatPlantDetail(ps *PlantStatus, loc *time.Location) string {
	var sb strings.Builder
	p := ps.Plant
	sb.WriteString(fmt.Sprintf("%s <b>%s</b> (<code>%s</code>)\n", ps.Level.GetLevelEmoji(), html.EscapeString(p.Name), html.EscapeString(p.ID)))
	sb.WriteString(fmt.Sprintf("Estado: <b>%s</b>\n\n", ps.Level.DisplayName()))

	for _, ls := range ps.Lines {
		sb.WriteString(fmt.Sprintf("%s Línea %s: %s", ls.Level.GetLevelEmoji(), html.EscapeString(ls.LineID), ls.Level.DisplayName()))
		if !ls.Since.IsZero() {
			sb.WriteString(fmt.Sprintf(" desde %s", ls.Since.In(loc).Format(displayTimeLayout)))
		}
		sb.WriteString("\n")
	}

	if r := p.LastReading; r != nil {
		sb.WriteString(fmt.Sprintf("\n📈 <b>Última lectura</b> (línea %s, %s)\n", html.EscapeString(r.LineID), r.Timestamp.In(loc).Format(displayTimeLayout)))
		sb.WriteString(fmt.Sprintf("🫧 Pureza: %.1f%%\n", r.PurityPct))
		sb.WriteString(fmt.Sprintf("🔧 Presión: %.2f bar\n", r.PressureBar))
		sb.WriteString(fmt.Sprintf("🌡️ Temperatura: %.1f°C\n", r.TemperatureC))
		sb.WriteString(fmt.Sprintf("💨 Flujo: %.1f Nm³/h\n", r.FlowNm3h))
		sb.WriteString(fmt.Sprintf("⚙️ Modo: %s\n", html.EscapeString(r.Mode)))
	}
	return sb.String()
}

func formatStats(stats *PlantStats, loc *time.Location) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📊 <b>ESTADÍSTICAS</b> <code>%s</code>\n", html.EscapeString(stats.PlantID)))
	sb.WriteString(fmt.Sprintf("%s → %s\n\n", stats.From.In(loc).Format(displayTimeLayout), stats.To.In(loc).Format(displayTimeLayout)))

	if stats.Readings == 0 {
		sb.WriteString("Sin lecturas en el período.\n")
	} else {
		sb.WriteString(fmt.Sprintf("Lecturas: %d (alarmas: %d)\n", stats.Readings, stats.AlarmReadings))
		sb.WriteString(fmt.Sprintf("🫧 Pureza: %.1f%% (mín %.1f, máx %.1f)\n", stats.Purity.Mean, stats.Purity.Min, stats.Purity.Max))
		sb.WriteString(fmt.Sprintf("🔧 Presión: %.2f bar (mín %.2f, máx %.2f)\n", stats.Pressure.Mean, stats.Pressure.Min, stats.Pressure.Max))
		sb.WriteString(fmt.Sprintf("🌡️ Temperatura: %.1f°C (máx %.1f)\n", stats.Temperature.Mean, stats.Temperature.Max))
		sb.WriteString(fmt.Sprintf("💨 Flujo: %.1f Nm³/h\n", stats.Flow.Mean))
		sb.WriteString(fmt.Sprintf("✅ Cumplimiento de pureza: %.1f%%\n", stats.PurityCompliancePct))
		sb.WriteString(fmt.Sprintf("⚙️ En producción: %.1f%%\n", stats.AvailabilityPct))
	}

	sb.WriteString(fmt.Sprintf("\n⏱️ <b>Disponibilidad:</b> %.1f%%\n", stats.Uptime*100))
	for _, l := range stats.Lines {
		sb.WriteString(fmt.Sprintf("   └ línea %s: %.1f%%\n", html.EscapeString(l.LineID), l.Ratio*100))
	}
	return sb.String()
}

func formatEquipment(plantID string, equipment []*models.Equipment) string {
	if len(equipment) == 0 {
		return fmt.Sprintf("La planta <code>%s</code> no tiene equipos registrados.", html.EscapeString(plantID))
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🔧 <b>EQUIPOS</b> <code>%s</code>\n\n", html.EscapeString(plantID)))
	for _, eq := range equipment {
		sb.WriteString(fmt.Sprintf("• %s #%d: <code>%s</code>", eq.Type.Label(), eq.Position, html.EscapeString(eq.Patrimony)))
		if eq.Brand != "" || eq.Model != "" {
			sb.WriteString(" " + html.EscapeString(strings.TrimSpace(eq.Brand+" "+eq.Model)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatEvents(events []*models.AlarmEvent, loc *time.Location) string {
	if len(events) == 0 {
		return "Sin alarmas en las últimas 24 horas."
	}
	var sb strings.Builder
	sb.WriteString("🚨 <b>ALARMAS RECIENTES</b>\n\n")
	for _, ev := range events {
		sb.WriteString(fmt.Sprintf("%s %s <code>%s/%s</code> %s → %s\n",
			ev.To.GetLevelEmoji(),
			ev.At.In(loc).Format("01-02 15:04"),
			html.EscapeString(ev.PlantID), html.EscapeString(ev.LineID),
			ev.From.DisplayName(), ev.To.DisplayName()))
	}
	return sb.String()
}

func formatIdentities(identities []*models.ChatIdentity) string {
	if len(identities) == 0 {
		return "No hay usuarios registrados."
	}
	sort.Slice(identities, func(i, j int) bool { return identities[i].ChatID < identities[j].ChatID })

	var sb strings.Builder
	sb.WriteString("👥 <b>USUARIOS</b>\n\n")
	for _, id := range identities {
		name := id.Username
		if name == "" {
			name = "-"
		}
		sb.WriteString(fmt.Sprintf("• <code>%d</code> @%s %s", id.ChatID, html.EscapeString(name), identityStatusLabel(id.Status)))
		if id.IsAuthorized() {
			sb.WriteString(" (" + string(id.Role) + ")")
		}
		if len(id.Plants) > 0 {
			sb.WriteString(" [" + html.EscapeString(strings.Join(id.Plants, ", ")) + "]")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func identityStatusLabel(s models.IdentityStatus) string {
	switch s {
	case models.StatusAuthorized:
		return "✅ autorizado"
	case models.StatusRevoked:
		return "⛔ revocado"
	default:
		return "⏳ pendiente"
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f segundos", d.Seconds())
	} else if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%d min %d s", minutes, seconds)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%d h %d min", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%d días %d h", days, hours)
}
