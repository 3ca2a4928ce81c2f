package scheduler

import logx "drawbot/pkg/logx"

func logxNop() logx.Logger { return logx.Nop() }
