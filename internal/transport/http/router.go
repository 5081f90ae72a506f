package http

import (
	"github.com/arenaplay/wallet-ledger/internal/config"
	"github.com/arenaplay/wallet-ledger/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func NewRouter(ledger *service.Ledger, wd *service.WithdrawalService, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, &Handler{ledger: ledger, withdrawals: wd, log: log})
	return r
}
