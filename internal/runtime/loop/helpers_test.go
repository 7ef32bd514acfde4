package loop

import logx "checkinbot/pkg/logx"

func nopLog() logx.Logger { return logx.Nop() }
