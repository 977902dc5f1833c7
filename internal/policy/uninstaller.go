package policy

import "strings"

var uninstallWords = []string{"uninstall", "remove", "deinstall"}

// UninstallerWindow finds a visible window that is uninstalling product.
// A title qualifies when it names the product alongside an uninstall verb.
func UninstallerWindow(titles []string, product string) (string, bool) {
	p := strings.ToLower(strings.TrimSpace(product))
	if p == "" {
		return "", false
	}
	for _, title := range titles {
		t := strings.ToLower(title)
		if !strings.Contains(t, p) {
			continue
		}
		for _, w := range uninstallWords {
			if strings.Contains(t, w) {
				return title, true
			}
		}
	}
	return "", false
}
