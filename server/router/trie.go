// prefix tree for route lookup, one tree per method, only reachable through API
package router

import "strings"

// Param is a ":name" path segment bound during lookup
type Param struct {
	Key, Val string
}

// tree node
type node struct {
	prefix  string
	ch      []node // children in a flat array so lookup stays in cache
	handler HandlerFunc
	isparam bool // prefix is a param name (:id)
}

// insert links path and handler, "/user/:id" -> {user, :id}
func (n *node) insert(path string, h HandlerFunc) {
	path = strings.TrimPrefix(path, "/")
	cur := n

	for s := range strings.SplitSeq(path, "/") {
		// skip empty segment (/, //)
		if len(s) == 0 {
			continue
		}

		isparam, pref := s[0] == ':', s
		if isparam {
			pref = s[1:]
		}

		idx := -1
		for i := range cur.ch {
			if cur.ch[i].prefix == pref && cur.ch[i].isparam == isparam {
				idx = i
				break
			}
		}

		if idx == -1 {
			cur.ch = append(cur.ch, node{prefix: pref, isparam: isparam})
			idx = len(cur.ch) - 1
		}
		cur = &cur.ch[idx]
	}
	cur.handler = h
}

// find matches path against the tree, static segments win over params;
// params are appended to ps and rolled back on a dead end
func (n *node) find(path string, ps *[]Param) HandlerFunc {
	path = strings.TrimPrefix(path, "/")
	if len(path) == 0 {
		return n.handler
	}

	for i := range n.ch {
		c := &n.ch[i]
		if !c.isparam && strings.HasPrefix(path, c.prefix) {
			rem := path[len(c.prefix):]
			if len(rem) == 0 || rem[0] == '/' {
				if h := c.find(rem, ps); h != nil {
					return h
				}
			}
		}
	}

	for i := range n.ch {
		c := &n.ch[i]
		if !c.isparam {
			continue
		}
		end := strings.IndexByte(path, '/')
		if end == -1 {
			end = len(path)
		}

		mark := len(*ps)
		*ps = append(*ps, Param{Key: c.prefix, Val: path[:end]})
		if h := c.find(path[end:], ps); h != nil {
			return h
		}
		*ps = (*ps)[:mark]
	}

	return nil
}
