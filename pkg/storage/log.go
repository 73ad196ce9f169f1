package storage

import (
	"go.uber.org/zap"

	"rig-shutter/pkg/utils"
)

var logger *zap.SugaredLogger

func init() {
	logger = utils.GetLogger()
}
