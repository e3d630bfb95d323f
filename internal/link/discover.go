package link

import "strings"

// discoverPort returns the pinned port, or the first enumerated device that
// matches the configured patterns. Not finding one is not an error: the
// device may be plugged in later.
func (m *Manager) discoverPort() (string, bool) {
	if m.cfg.Port != "" {
		return m.cfg.Port, true
	}

	ports, err := m.driver.Ports()
	if err != nil {
		m.logger.Warn("serial enumeration failed", "err_class", "transport", "error", err)
		return "", false
	}
	for _, p := range ports {
		if matchPort(p, m.cfg.Patterns, m.cfg.VIDs) {
			return p.Name, true
		}
	}
	return "", false
}

func matchPort(p PortInfo, patterns, vids []string) bool {
	if len(vids) > 0 {
		ok := false
		for _, v := range vids {
			if strings.EqualFold(p.VID, v) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(patterns) == 0 {
		return true
	}

	name := strings.ToUpper(p.Name)
	product := strings.ToUpper(p.Product)
	for _, pat := range patterns {
		pat = strings.ToUpper(pat)
		if pat == "" {
			continue
		}
		if strings.Contains(name, pat) || (product != "" && strings.Contains(product, pat)) {
			return true
		}
	}
	return false
}
