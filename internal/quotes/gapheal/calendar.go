package gapheal

import (
	"context"
	"strings"

	"github.com/scmhub/calendar"
	"go.uber.org/zap"
	"klinefeed.com/pkg/logger"
)

// Calendar 按 MIC（xnse/xnys/...）取交易日历；mic 为空或不认识时返回 nil，不做休市判断
func Calendar(mic string) MarketHours {
	mic = strings.ToLower(strings.TrimSpace(mic))
	if mic == "" {
		return nil
	}
	cal := calendar.GetCalendar(mic)
	if cal == nil {
		logger.Warn(context.Background(), "unknown market calendar, gap healing runs 24x7", zap.String("mic", mic))
		return nil
	}
	return cal
}
