package quota

import (
	"fmt"
	"math"
	"time"

	"nanobanana/internal/domain"
)

// StatusMessage renders a human-readable summary of a snapshot for the
// given locale ("en" or "zh"). It mirrors the copy the marketing site
// shows next to the generate button.
func StatusMessage(s Snapshot, locale string, now time.Time) string {
	zh := locale == "zh"

	if !s.CanGenerate {
		if s.FreeGenerationsRemaining <= 0 {
			if s.NextResetAt != nil {
				hours := int(math.Ceil(s.NextResetAt.Sub(now).Hours()))
				if hours < 1 {
					hours = 1
				}
				if zh {
					return fmt.Sprintf("您已用完 %d 次免费生成，%d 小时后恢复 1 次。注册即可获得 %d 次额外生成！",
						s.FreeGenerationsLimit, hours, domain.SignupBonusCredits)
				}
				return fmt.Sprintf("You've used all %d free generations. Next free generation in %d hours. Sign up for %d bonus generations!",
					s.FreeGenerationsLimit, hours, domain.SignupBonusCredits)
			}
			if zh {
				return fmt.Sprintf("您已用完免费生成次数。注册即可获得 %d 次额外生成！", domain.SignupBonusCredits)
			}
			return fmt.Sprintf("You've used all free generations. Sign up to get %d bonus generations!", domain.SignupBonusCredits)
		}
		if s.RateLimitResetAt != nil {
			minutes := int(math.Ceil(s.RateLimitResetAt.Sub(now).Minutes()))
			if minutes < 1 {
				minutes = 1
			}
			if zh {
				return fmt.Sprintf("请求过于频繁，请等待 %d 分钟后再试。", minutes)
			}
			return fmt.Sprintf("Rate limit exceeded. Please wait %d minutes before generating again.", minutes)
		}
	}

	if zh {
		return fmt.Sprintf("剩余 %d 次免费生成", s.FreeGenerationsRemaining)
	}
	return fmt.Sprintf("%d free generations remaining", s.FreeGenerationsRemaining)
}
