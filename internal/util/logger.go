package util

import (
	"enrollment-service/internal/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// InitLogger initializes the process logger. Components get it through their
// constructors; only main reads it back with GetLogger.
func InitLogger(env string) error {
	var err error
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err = config.Build(zap.Fields(zap.String("service", "enrollment-service")))
	if err != nil {
		return err
	}

	zap.ReplaceGlobals(logger)
	return nil
}

// GetLogger returns the process logger
func GetLogger() *zap.Logger {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// SyncLogger flushes any buffered log entries
func SyncLogger() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// EventFields returns the log fields identifying a payment outcome event.
func EventFields(event *models.PaymentOutcomeEvent) []zap.Field {
	return []zap.Field{
		zap.String("purchase_reference", event.PurchaseReference),
		zap.String("payer_id", event.PayerID),
		zap.String("course_id", event.CourseID),
		zap.String("outcome", string(event.Outcome)),
		zap.String("source", event.Source),
	}
}
