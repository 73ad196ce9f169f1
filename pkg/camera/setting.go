package camera

import (
	"fmt"

	"github.com/vladimirvivien/go4vl/v4l2"
	"go.uber.org/zap"

	"rig-shutter/pkg/utils"
)

var logger *zap.SugaredLogger

func init() {
	logger = utils.GetLogger()
}

const (
	ctrlExposureAuto     v4l2.CtrlID = 10094849 // Auto Exposure
	ctrlExposureAbsolute v4l2.CtrlID = 10094850 // Exposure Time, Absolute (100us)
	ctrlExposureBias     v4l2.CtrlID = 10094867 // Auto Exposure, Bias (0.001 EV)
	ctrlBrightness       v4l2.CtrlID = 9963776
	ctrlGamma            v4l2.CtrlID = 9963792
	ctrlGain             v4l2.CtrlID = 9963795

	exposureManual v4l2.CtrlValue = 1
)

// controlValues translates the dirty fields of p into v4l2 controls, in the
// order they have to be applied.
func controlValues(p ParameterSet) []ctrlSetting {
	var res []ctrlSetting
	if p.Dirty.Has(ParamShutter) {
		res = append(res,
			ctrlSetting{ctrlExposureAuto, exposureManual},
			ctrlSetting{ctrlExposureAbsolute, v4l2.CtrlValue(p.Shutter * 10)},
		)
	}
	if p.Dirty.Has(ParamExposure) {
		res = append(res, ctrlSetting{ctrlExposureBias, v4l2.CtrlValue(p.Exposure * 1000)})
	}
	if p.Dirty.Has(ParamGain) {
		res = append(res, ctrlSetting{ctrlGain, v4l2.CtrlValue(p.Gain)})
	}
	if p.Dirty.Has(ParamBrightness) {
		res = append(res, ctrlSetting{ctrlBrightness, v4l2.CtrlValue(p.Brightness)})
	}
	if p.Dirty.Has(ParamGamma) {
		res = append(res, ctrlSetting{ctrlGamma, v4l2.CtrlValue(p.Gamma * 100)})
	}
	return res
}

type ctrlSetting struct {
	id    v4l2.CtrlID
	value v4l2.CtrlValue
}

func fourcc(a, b, c, d byte) v4l2.FourCCType {
	return v4l2.FourCCType(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// pixelFormat maps a bit depth to the raw monochrome/RGB format carrying it.
func pixelFormat(bpp int) (v4l2.FourCCType, error) {
	switch bpp {
	case 8:
		return fourcc('G', 'R', 'E', 'Y'), nil
	case 12:
		return fourcc('Y', '1', '2', ' '), nil
	case 16:
		return fourcc('Y', '1', '6', ' '), nil
	case 24:
		return fourcc('R', 'G', 'B', '3'), nil
	}
	return 0, fmt.Errorf("no pixel format for %d bits per pixel", bpp)
}
